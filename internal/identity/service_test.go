package identity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/realtime"
	"github.com/mbd888/trustmesh/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() (*Service, *realtime.Recorder) {
	rec := &realtime.Recorder{}
	svc := NewService(NewMemoryStore(), "memory").
		WithPublisher(rec).
		WithEndpointCheck(security.ValidateEndpointSyntax)
	return svc, rec
}

func registerReq(owner string, caps ...string) RegisterRequest {
	return RegisterRequest{Owner: owner, Name: "Weather Bot", Capabilities: caps, Price: "2.5"}
}

func TestRegister(t *testing.T) {
	svc, rec := newTestService()
	ctx := context.Background()

	a, err := svc.Register(ctx, registerReq("0xAbCdEf0123456789aBcDeF0123456789ABCDEF01", "weather"))
	require.NoError(t, err)
	assert.Contains(t, a.ID, "agt_")
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", a.Owner)
	assert.Equal(t, "2.500000", a.Price)
	assert.Equal(t, DefaultCurrency, a.Currency)
	assert.Equal(t, 1, a.Version)
	assert.Equal(t, []realtime.EventType{realtime.EventAgentRegistered}, rec.Types())

	owner, err := svc.GetOwner(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Owner, owner)
}

func TestRegister_SameOwnerTwiceIsOwnershipConflict(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	w := testAddr(7)

	_, err := svc.Register(ctx, registerReq(w, "trading"))
	require.NoError(t, err)

	_, err = svc.Register(ctx, registerReq(w, "other"))
	require.ErrorIs(t, err, ErrOwnerTaken)
	assert.Equal(t, errkind.OwnershipConflict, errkind.KindOf(err))
}

func TestRegister_ConcurrentSameOwner(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Register(ctx, registerReq(testAddr(3), "x")); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
}

func TestRegister_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tests := []struct {
		name string
		req  RegisterRequest
		want error
	}{
		{"bad owner", registerReq("0x123", "x"), ErrInvalidOwner},
		{"no capabilities", registerReq(testAddr(1)), ErrNoCapabilities},
		{"blank capabilities", registerReq(testAddr(1), " ", ""), ErrNoCapabilities},
		{"negative price", RegisterRequest{Owner: testAddr(1), Capabilities: []string{"x"}, Price: "-1"}, ErrInvalidPrice},
		{"too precise price", RegisterRequest{Owner: testAddr(1), Capabilities: []string{"x"}, Price: "0.0000001"}, ErrInvalidPrice},
		{"bad endpoint", RegisterRequest{Owner: testAddr(1), Capabilities: []string{"x"}, Endpoint: "ftp://x"}, ErrInvalidEndpoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, errkind.Validation, errkind.KindOf(err))
		})
	}
}

func TestUpdateMetadata(t *testing.T) {
	svc, rec := newTestService()
	ctx := context.Background()
	a, err := svc.Register(ctx, registerReq(testAddr(1), "weather"))
	require.NoError(t, err)

	name := "Storm Bot"
	updated, err := svc.UpdateMetadata(ctx, a.ID, MetadataPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Storm Bot", updated.Name)
	assert.Equal(t, []string{"weather"}, updated.Capabilities, "nil fields are left unchanged")
	assert.Equal(t, "2.500000", updated.Price)
	assert.Equal(t, 2, updated.Version)

	history, err := svc.History(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Weather Bot", history[0].Name)
	assert.Equal(t, "Storm Bot", history[1].Name)

	empty := []string{}
	_, err = svc.UpdateMetadata(ctx, a.ID, MetadataPatch{Capabilities: &empty})
	assert.ErrorIs(t, err, ErrNoCapabilities)

	_, err = svc.UpdateMetadata(ctx, "agt_missing", MetadataPatch{Name: &name})
	assert.ErrorIs(t, err, ErrAgentNotFound)

	assert.Equal(t, []realtime.EventType{realtime.EventAgentRegistered, realtime.EventAgentUpdated}, rec.Types())
}

func TestSearchByCapability(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	a, _ := svc.Register(ctx, registerReq(testAddr(1), "Weather-Data"))
	b, _ := svc.Register(ctx, registerReq(testAddr(2), "analysis", "weather alerts"))
	_, _ = svc.Register(ctx, registerReq(testAddr(3), "storage"))

	ids, err := svc.SearchByCapability(ctx, "WEATHER")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, ids)

	ids, err = svc.SearchByCapability(ctx, "quantum")
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)

	ids, err = svc.SearchByCapability(ctx, "")
	require.NoError(t, err)
	assert.Len(t, ids, 3, "empty query matches every agent")
}

func TestGetAgentMetadata(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	a, _ := svc.Register(ctx, registerReq(testAddr(1), "x"))

	results, err := svc.GetAgentMetadata(ctx, []string{a.ID, "agt_nope"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, a.ID, results[0].Agent.ID)
	assert.Empty(t, results[0].Reason)
	assert.Nil(t, results[1].Agent)
	assert.Equal(t, "agent not found", results[1].Reason)

	_, err = svc.GetMetadata(ctx, "agt_nope")
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestCreateAgent_GeneratesWalletAndProof(t *testing.T) {
	svc, _ := newTestService()
	fixed := time.Unix(1_700_000_000, 0)
	svc.WithClock(func() time.Time { return fixed })

	res, err := svc.CreateAgent(context.Background(), RegisterRequest{Name: "fresh", Capabilities: []string{"x"}})
	require.NoError(t, err)

	assert.True(t, res.Wallet.Generated)
	assert.True(t, security.IsValidAddress(res.Wallet.Address))
	assert.NotEmpty(t, res.Wallet.PrivateKey)
	assert.Equal(t, res.Agent.Owner, res.Wallet.Address)
	require.NotNil(t, res.RegistrationProof)
	assert.Equal(t, RegistrationMessage(res.AgentID, res.Wallet.Address, fixed.Unix()), res.RegistrationProof.Message)
	assert.True(t, VerifyRegistrationProof(res.RegistrationProof, res.AgentID, res.Wallet.Address))
	assert.False(t, VerifyRegistrationProof(res.RegistrationProof, "agt_other", res.Wallet.Address))
}

func TestCreateAgent_WithOwner(t *testing.T) {
	svc, _ := newTestService()
	res, err := svc.CreateAgent(context.Background(), registerReq(testAddr(4), "x"))
	require.NoError(t, err)
	assert.False(t, res.Wallet.Generated)
	assert.Empty(t, res.Wallet.PrivateKey)
	assert.Nil(t, res.RegistrationProof)
}

func TestService_ContractBackend(t *testing.T) {
	svc := NewService(newContractStore(t), "contract").WithEndpointCheck(security.ValidateEndpointSyntax)
	ctx := context.Background()

	a, err := svc.Register(ctx, registerReq(testAddr(1), "weather"))
	require.NoError(t, err)
	assert.Equal(t, "1", a.ID)

	_, err = svc.Register(ctx, registerReq(testAddr(1), "weather"))
	assert.ErrorIs(t, err, ErrOwnerTaken)

	price := "3"
	updated, err := svc.UpdateMetadata(ctx, a.ID, MetadataPatch{Price: &price})
	require.NoError(t, err)
	assert.Equal(t, "3.000000", updated.Price)

	got, err := svc.GetMetadata(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "3.000000", got.Price)
	assert.Equal(t, "Weather Bot", got.Name)
}
