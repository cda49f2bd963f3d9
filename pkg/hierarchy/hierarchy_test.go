package hierarchy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiffhq/skiff/pkg/config"
)

func testManifest() *config.Manifest {
	return &config.Manifest{
		Agent: config.AgentSection{Name: "orchestrator", Description: "routes work"},
		SubAgents: map[string]config.SubAgentSection{
			"writer":     {},
			"researcher": {URL: "http://10.0.0.9:9100", AuthToken: "tok"},
		},
	}
}

func TestNewTree(t *testing.T) {
	tree := NewTree(testManifest())

	assert.Equal(t, "orchestrator", tree.Root())

	root := tree.Node("orchestrator")
	require.NotNil(t, root)
	assert.Equal(t, []string{"researcher", "writer"}, root.Children)

	remote := tree.Node("researcher")
	require.NotNil(t, remote)
	assert.True(t, remote.Remote())
	assert.Equal(t, "tok", remote.AuthToken)

	local := tree.Node("writer")
	require.NotNil(t, local)
	assert.False(t, local.Remote())

	assert.Nil(t, tree.Node("stranger"))
}

func TestSubAgentNameOverridesKey(t *testing.T) {
	m := &config.Manifest{
		Agent: config.AgentSection{Name: "root"},
		SubAgents: map[string]config.SubAgentSection{
			"alias": {Name: "actual"},
		},
	}
	tree := NewTree(m)
	assert.NotNil(t, tree.Node("actual"))
	assert.Nil(t, tree.Node("alias"))
}

func TestNavigatorEnterExit(t *testing.T) {
	tree := NewTree(testManifest())
	nav := NewNavigator(tree)

	assert.Equal(t, "orchestrator", nav.Current().Name)
	assert.Equal(t, []string{"orchestrator"}, nav.Path())

	require.NoError(t, nav.Enter("writer"))
	assert.Equal(t, "writer", nav.Current().Name)
	assert.Equal(t, []string{"orchestrator", "writer"}, nav.Path())

	nav.Exit()
	assert.Equal(t, "orchestrator", nav.Current().Name)
}

func TestNavigatorEnterRejectsNonChild(t *testing.T) {
	tree := NewTree(testManifest())
	nav := NewNavigator(tree)

	err := nav.Enter("stranger")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a child")
	assert.Equal(t, "orchestrator", nav.Current().Name)
}

func TestNavigatorExitAtRootStaysPut(t *testing.T) {
	tree := NewTree(testManifest())
	nav := NewNavigator(tree)

	nav.Exit()
	assert.Equal(t, "orchestrator", nav.Current().Name)
	assert.Len(t, nav.Path(), 1)
}

func TestRestorePath(t *testing.T) {
	tree := NewTree(testManifest())

	nav := RestorePath(tree, []string{"orchestrator", "writer"})
	assert.Equal(t, "writer", nav.Current().Name)

	// An invalid persisted path falls back to the root.
	nav = RestorePath(tree, []string{"orchestrator", "stranger"})
	assert.Equal(t, "orchestrator", nav.Current().Name)

	nav = RestorePath(tree, nil)
	assert.Equal(t, "orchestrator", nav.Current().Name)
}

func TestDelegate(t *testing.T) {
	var gotAuth string
	var gotReq delegateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(delegateResponse{
			Message: delegateMessage{Role: "assistant", Content: "delegated answer"},
		})
	}))
	defer srv.Close()

	node := &Node{Name: "researcher", URL: srv.URL, AuthToken: "tok"}
	d := NewDelegator(0)

	out, err := d.Delegate(context.Background(), node, "find sources")
	require.NoError(t, err)
	assert.Equal(t, "delegated answer", out)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.False(t, gotReq.Stream)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "find sources", gotReq.Messages[0].Content)
}

func TestDelegateSurfacesChildError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(delegateResponse{Error: "model unavailable"})
	}))
	defer srv.Close()

	d := NewDelegator(0)
	_, err := d.Delegate(context.Background(), &Node{Name: "researcher", URL: srv.URL}, "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestDelegateRequiresRemoteNode(t *testing.T) {
	d := NewDelegator(0)
	_, err := d.Delegate(context.Background(), &Node{Name: "local"}, "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no url")
}
