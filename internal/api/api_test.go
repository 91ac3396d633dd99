package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/abergmeier/fabaccess-server/internal/machine"
	"github.com/abergmeier/fabaccess-server/internal/models"
	"github.com/abergmeier/fabaccess-server/internal/server"
)

type fakeCore struct {
	lastUser models.UserID
	seq      uint64
	err      error
	infos    []server.ResourceInfo
}

func (f *fakeCore) Claim(_ context.Context, user models.UserID, _ models.ResourceID) (uint64, error) {
	f.lastUser = user
	return f.seq, f.err
}

func (f *fakeCore) Release(_ context.Context, user models.UserID, _ models.ResourceID) (uint64, error) {
	f.lastUser = user
	return f.seq, f.err
}

func (f *fakeCore) ForceSet(_ context.Context, user models.UserID, _ models.ResourceID, _ models.MachineState) (uint64, error) {
	f.lastUser = user
	return f.seq, f.err
}

func (f *fakeCore) Block(_ context.Context, user models.UserID, _ models.ResourceID, _ string) (uint64, error) {
	f.lastUser = user
	return f.seq, f.err
}

func (f *fakeCore) Unblock(_ context.Context, user models.UserID, _ models.ResourceID) (uint64, error) {
	f.lastUser = user
	return f.seq, f.err
}

func (f *fakeCore) Subscribe(_ context.Context, user models.UserID, _ models.ResourceID) (machine.SubscribeAck, error) {
	f.lastUser = user
	return machine.SubscribeAck{}, f.err
}

func (f *fakeCore) List(_ context.Context, user models.UserID) []server.ResourceInfo {
	f.lastUser = user
	return f.infos
}

func authedCtx(user string) context.Context {
	md := metadata.Pairs(IdentityKey, user)
	return metadata.NewIncomingContext(context.Background(), md)
}

func TestIdentityRequired(t *testing.T) {
	a := NewAccessServer(&fakeCore{}, zap.NewNop())
	_, err := a.Claim(context.Background(), &ClaimRequest{Resource: "laser"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestClaimPassesIdentity(t *testing.T) {
	core := &fakeCore{seq: 7}
	a := NewAccessServer(core, zap.NewNop())
	reply, err := a.Claim(authedCtx("alice"), &ClaimRequest{Resource: "laser"})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), reply.Seq)
	assert.Equal(t, "alice", core.lastUser)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{&machine.DeniedError{Missing: "lab.laser.write"}, codes.PermissionDenied},
		{server.ErrNotFound, codes.NotFound},
		{machine.ErrOverload, codes.Unavailable},
		{machine.ErrUnavailable, codes.Unavailable},
		{machine.ErrShutdown, codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, status.Code(rpcError(tc.err)), "for %v", tc.err)
	}
}

func TestForceSetRejectsUnknownStatus(t *testing.T) {
	a := NewAccessServer(&fakeCore{}, zap.NewNop())
	_, err := a.ForceSet(authedCtx("carol"), &ForceSetRequest{Resource: "laser", Status: "melted"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStateFromWire(t *testing.T) {
	st, err := stateFromWire("inuse", "bob", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInUse, st.Status)
	assert.Equal(t, "bob", st.User)

	st, err = stateFromWire("blocked", "", "smoke damage")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBlocked, st.Status)
	assert.Equal(t, "smoke damage", st.Reason)
}

func TestHTTPResources(t *testing.T) {
	core := &fakeCore{infos: []server.ResourceInfo{{ID: "laser", Description: "Laser cutter"}}}
	h := NewHTTPHandler(core, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/resources", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/resources", nil)
	req.Header.Set(IdentityHeader, "alice")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "laser")
	assert.Equal(t, "alice", core.lastUser)
}

func TestHTTPPing(t *testing.T) {
	h := NewHTTPHandler(&fakeCore{}, zap.NewNop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, "pong", rec.Body.String())
}

func TestJSONCodecRoundtrip(t *testing.T) {
	c := ServerCodec()
	in := &ClaimRequest{Resource: "laser"}
	raw, err := c.Marshal(in)
	require.NoError(t, err)
	out := new(ClaimRequest)
	require.NoError(t, c.Unmarshal(raw, out))
	assert.Equal(t, in, out)
}
