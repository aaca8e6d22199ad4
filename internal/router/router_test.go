package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteReturnsBoundAccountsOnly(t *testing.T) {
	r := New(map[string][]string{
		"trend-break": {"acct-1", "acct-2"},
		"mean-revert": {"acct-3"},
	})

	accounts, err := r.Route("trend-break")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acct-1", "acct-2"}, accounts)
}

func TestRouteUnknownTagDoesNotFanOutToAllAccounts(t *testing.T) {
	r := New(map[string][]string{
		"trend-break": {"acct-1", "acct-2"},
	})

	accounts, err := r.Route("unmapped-tag")
	require.ErrorIs(t, err, ErrRoutingEmpty)
	assert.Nil(t, accounts)
}

func TestRouteReturnsDefensiveCopy(t *testing.T) {
	r := New(map[string][]string{"tag": {"acct-1"}})
	accounts, err := r.Route("tag")
	require.NoError(t, err)
	accounts[0] = "mutated"

	again, err := r.Route("tag")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", again[0])
}

func TestNewCopiesInputMap(t *testing.T) {
	src := map[string][]string{"tag": {"acct-1"}}
	r := New(src)
	src["tag"][0] = "mutated-after-construction"

	accounts, err := r.Route("tag")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", accounts[0])
}
