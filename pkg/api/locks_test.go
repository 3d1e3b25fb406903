package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drovergrid/drover/pkg/types"
)

func (s *testServer) lockCall(op, token, path, nodeID, scope string) *http.Response {
	s.t.Helper()
	body := map[string]string{"filePath": path, "nodeId": nodeID}
	if scope != "" {
		body["scope"] = scope
	}
	return s.do(http.MethodPost, "/api/filelocks/"+op, token, body)
}

// Two nodes contend for the same path under different spellings; the
// loser conflicts until the winner releases.
func TestLockContention(t *testing.T) {
	s := newTestServer(t)
	tokenA := s.register("node-a", "192.168.1.10", "HWA")
	tokenB := s.register("node-b", "192.168.1.11", "HWB")

	resp := s.lockCall("acquire", tokenA, `Y:\Data\Shot01`, "node-a", "")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.lockCall("acquire", tokenB, "y:/data/shot01/", "node-b", "")
	body := s.errorBody(resp)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body.Error, "node-a")

	resp = s.lockCall("release", tokenA, `Y:\Data\Shot01`, "node-a", "")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.lockCall("acquire", tokenB, "y:/data/shot01/", "node-b", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

// A silent holder loses the lock after the expiry window; its later
// release is refused.
func TestLockStaleSteal(t *testing.T) {
	s := newTestServer(t)
	tokenA := s.register("node-a", "192.168.1.10", "HWA")
	tokenB := s.register("node-b", "192.168.1.11", "HWB")

	resp := s.lockCall("acquire", tokenA, "y:/data/shot42", "node-a", "")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	s.clock.Advance(testLockExpiry + time.Minute)

	resp = s.lockCall("acquire", tokenB, "y:/data/shot42", "node-b", "")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.lockCall("release", tokenA, "y:/data/shot42", "node-a", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// Nodes cannot acquire or release on another node's behalf.
func TestLockActorCheck(t *testing.T) {
	s := newTestServer(t)
	tokenA := s.register("node-a", "192.168.1.10", "HWA")
	s.register("node-b", "192.168.1.11", "HWB")

	resp := s.lockCall("acquire", tokenA, "y:/data/shot01", "node-b", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// admin may act for any node
	resp = s.lockCall("acquire", s.admin, "y:/data/shot01", "node-b", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestLockValidation(t *testing.T) {
	s := newTestServer(t)
	token := s.register("node-a", "192.168.1.10", "HWA")

	resp := s.lockCall("acquire", token, "   ", "node-a", "")
	body := s.errorBody(resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body.Fields, "filePath")

	resp = s.lockCall("acquire", token, "y:/data/shot01", "node-a", "file-ish")
	body = s.errorBody(resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body.Fields, "scope")
}

// Folder locks live in their own namespace: the same path can hold a
// file lock and a folder lock at once.
func TestFolderLockScope(t *testing.T) {
	s := newTestServer(t)
	tokenA := s.register("node-a", "192.168.1.10", "HWA")
	tokenB := s.register("node-b", "192.168.1.11", "HWB")

	resp := s.lockCall("acquire", tokenA, "y:/data/shot01", "node-a", "")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.lockCall("acquire", tokenB, "y:/data/shot01", "node-b", "folder")
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// but the folder namespace still excludes other nodes
	resp = s.lockCall("acquire", tokenA, "y:/data/shot01", "node-a", "folder")
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListLocks(t *testing.T) {
	s := newTestServer(t)
	token := s.register("node-a", "192.168.1.10", "HWA")

	resp := s.lockCall("acquire", token, `Y:\Data\Shot01`, "node-a", "")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = s.lockCall("acquire", token, "y:/data/shot02", "node-a", "")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var list []*types.FileLock
	resp = s.do(http.MethodGet, "/api/filelocks", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s.decode(resp, &list)
	require.Len(t, list, 2)
	paths := []string{list[0].FilePath, list[1].FilePath}
	assert.ElementsMatch(t, []string{"y:/data/shot01", "y:/data/shot02"}, paths)
}

// Reset clears everything but only for admins.
func TestResetLocks(t *testing.T) {
	s := newTestServer(t)
	token := s.register("node-a", "192.168.1.10", "HWA")

	resp := s.lockCall("acquire", token, "y:/data/shot01", "node-a", "")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = s.lockCall("acquire", token, "y:/data/shot02", "node-a", "")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(http.MethodPost, "/api/filelocks/reset", token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var result map[string]int
	resp = s.do(http.MethodPost, "/api/filelocks/reset", s.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s.decode(resp, &result)
	assert.Equal(t, 2, result["cleared"])

	var list []*types.FileLock
	resp = s.do(http.MethodGet, "/api/filelocks", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s.decode(resp, &list)
	assert.Empty(t, list)
}
