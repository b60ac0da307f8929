package passport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"roomfi/internal/chain"
	"roomfi/internal/chain/chaintest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(w *chaintest.World) *Service {
	return New(Config{
		Client:   w.Backend,
		Writer:   chain.Writer{Client: w.Backend, Policy: chain.DefaultConfirmationPolicy(), Timeout: time.Second},
		Contract: w.Addresses.Passport,
	})
}

func TestGetOrCreateConcurrentCallersShareOneMint(t *testing.T) {
	w := chaintest.NewWorld(420420422, 6)
	svc := newService(w)
	tenant := w.SignerFor("tenant")

	var wg sync.WaitGroup
	results := make([]*Passport, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.GetOrCreate(context.Background(), tenant.Addr, tenant)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, w.Backend.Sends("passport.mintForSelf"))
	assert.Equal(t, 1, w.Passport.Minted(tenant.Addr))
	assert.Equal(t, 0, results[0].TokenID.Cmp(results[1].TokenID))
	assert.Equal(t, uint64(500), results[0].Reputation)
}

func TestGetOrCreateReusesExistingToken(t *testing.T) {
	w := chaintest.NewWorld(420420422, 6)
	svc := newService(w)
	tenant := w.SignerFor("tenant")
	id := w.Passport.Issue(tenant.Addr, chaintest.TenantInfo{Reputation: 870, PaymentsMade: 11, PaymentsMissed: 1, PropertiesOwned: 2})
	w.Passport.SetBadge(id, int(VerifiedID), true)
	w.Passport.SetBadge(id, int(ReliableTenant), true)

	p, err := svc.GetOrCreate(context.Background(), tenant.Addr, tenant)
	require.NoError(t, err)
	assert.Equal(t, 0, w.Backend.TotalSends())
	assert.Equal(t, 0, p.TokenID.Cmp(id))
	assert.Equal(t, uint64(870), p.Reputation)
	assert.Equal(t, uint64(11), p.PaymentsMade)
	assert.Equal(t, uint64(2), p.PropertiesOwned)
	assert.True(t, p.Badges[VerifiedID])
	assert.True(t, p.Badges[ReliableTenant])
	assert.False(t, p.Badges[MultiProperty])
	assert.Len(t, p.Badges, BadgeCount)
	require.NotNil(t, p.Extended)
	assert.True(t, p.Extended.Verified)

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"VERIFIED_ID":true`)
}

func TestBasicSchemaLeavesExtendedAbsent(t *testing.T) {
	w := chaintest.NewWorld(420420422, 6)
	w.Passport.V1 = true
	svc := newService(w)
	owner := chaintest.Account("tenant")
	w.Passport.Issue(owner, chaintest.TenantInfo{Reputation: 300})

	p, err := svc.Lookup(context.Background(), owner)
	require.NoError(t, err)
	assert.Nil(t, p.Extended)
	assert.Empty(t, p.Badges, "a partial badge array is not mapped")
	assert.Equal(t, uint64(300), p.Reputation)
}

func TestLookupWithoutPassport(t *testing.T) {
	w := chaintest.NewWorld(420420422, 6)
	svc := newService(w)

	_, err := svc.Lookup(context.Background(), chaintest.Account("nobody"))
	assert.ErrorIs(t, err, chain.ErrTenantNotOnboarded)

	has, err := svc.HasPassport(context.Background(), chaintest.Account("nobody"))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestMintRevertSurfacesReason(t *testing.T) {
	w := chaintest.NewWorld(420420422, 6)
	w.Passport.MintRevert = "minting paused"
	svc := newService(w)
	tenant := w.SignerFor("tenant")

	_, err := svc.GetOrCreate(context.Background(), tenant.Addr, tenant)
	require.ErrorIs(t, err, chain.ErrPassportMintFailed)
	assert.Equal(t, "minting paused", chain.RevertReason(err))
	assert.False(t, chain.FundsMayHaveMoved(err))
}

func TestMintFailedOnChainIsBroadcast(t *testing.T) {
	w := chaintest.NewWorld(420420422, 6)
	w.Backend.FailOnMine("mintForSelf")
	svc := newService(w)
	tenant := w.SignerFor("tenant")

	_, err := svc.GetOrCreate(context.Background(), tenant.Addr, tenant)
	require.ErrorIs(t, err, chain.ErrPassportMintFailed)
	assert.True(t, chain.FundsMayHaveMoved(err))
}

func TestGetOrCreateRequiresOwnerSignature(t *testing.T) {
	w := chaintest.NewWorld(420420422, 6)
	svc := newService(w)

	_, err := svc.GetOrCreate(context.Background(), chaintest.Account("tenant"), w.SignerFor("someone-else"))
	assert.Error(t, err)
	assert.Equal(t, 0, w.Backend.TotalSends())
}
