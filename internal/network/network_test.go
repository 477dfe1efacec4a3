package network

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insignia/insignia/internal/hash"
	"github.com/insignia/insignia/internal/ledger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testPeer struct {
	node   *Node
	store  *ledger.MemoryStore
	server *httptest.Server
}

func (p *testPeer) URL() string {
	return p.server.URL
}

// newTestPeer starts a node serving the peer API whose chain holds the given
// number of blocks including genesis.
func newTestPeer(t *testing.T, blocks int, alerts Alerter) *testPeer {
	t.Helper()

	server := httptest.NewServer(nil)
	t.Cleanup(server.Close)

	store := ledger.NewMemoryStore()
	chain, err := ledger.New(store)
	require.NoError(t, err)

	for i := 1; i < blocks; i++ {
		_, err := chain.AddTransaction(ledger.Transaction{FileHash: hash.DigestString(fmt.Sprintf("%s-%s-%d", t.Name(), server.URL, i))})
		require.NoError(t, err)
		_, err = chain.Mine()
		require.NoError(t, err)
	}

	node := NewNode(NodeConfig{
		Chain:    chain,
		Registry: NewRegistry(server.URL),
		Client:   NewClient(5 * time.Second),
		Alerts:   alerts,
	})
	server.Config.Handler = NewRouter(node)

	return &testPeer{node: node, store: store, server: server}
}

type recordingAlerter struct {
	invalid  []string
	replaced []string
}

func (r *recordingAlerter) SendInvalidChainAlert(peer string, length int, reason string) error {
	r.invalid = append(r.invalid, peer)
	return nil
}

func (r *recordingAlerter) SendChainReplacedAlert(peer string, oldLength, newLength int) error {
	r.replaced = append(r.replaced, peer)
	return nil
}

func chainLength(t *testing.T, n *Node) int {
	t.Helper()
	length, err := n.chain.Length()
	require.NoError(t, err)
	return length
}

func TestRegistry(t *testing.T) {
	r := NewRegistry("http://localhost:3001/", "http://localhost:3002")

	assert.Equal(t, "http://localhost:3001", r.Self())
	assert.False(t, r.Add("http://localhost:3001"), "self must be excluded")
	assert.False(t, r.Add("http://localhost:3002/"), "duplicates are ignored")
	assert.False(t, r.Add(""))
	assert.True(t, r.Add("http://localhost:3003"))

	assert.Equal(t, 1, r.AddAll([]string{"http://localhost:3003", "http://localhost:3004", "http://localhost:3001"}))
	assert.Equal(t, []string{"http://localhost:3002", "http://localhost:3003", "http://localhost:3004"}, r.Peers())
	assert.Equal(t, 3, r.Len())
}

func TestRunConsensus_ReplacesWithLongerValidChain(t *testing.T) {
	alerts := &recordingAlerter{}
	local := newTestPeer(t, 3, alerts)
	peer := newTestPeer(t, 5, nil)

	_, err := peer.node.chain.AddTransaction(ledger.Transaction{FileHash: hash.DigestString("pending")})
	require.NoError(t, err)

	local.node.registry.Add(peer.URL())

	result, err := local.node.RunConsensus(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Replaced)
	assert.Equal(t, peer.URL(), result.Source)
	assert.Equal(t, 3, result.OldLength)
	assert.Equal(t, 5, result.NewLength)
	assert.Equal(t, 5, chainLength(t, local.node))
	assert.Equal(t, []ledger.Transaction{{FileHash: hash.DigestString("pending")}}, local.node.chain.PendingTransactions())
	assert.Equal(t, []string{peer.URL()}, alerts.replaced)

	want, err := peer.node.chain.Chain()
	require.NoError(t, err)
	got, err := local.node.chain.Chain()
	require.NoError(t, err)
	assert.Equal(t, want[4].Hash, got[4].Hash)
}

func TestRunConsensus_RejectsLongerInvalidChain(t *testing.T) {
	alerts := &recordingAlerter{}
	local := newTestPeer(t, 3, alerts)
	peer := newTestPeer(t, 5, nil)

	chain, err := peer.store.Blocks()
	require.NoError(t, err)
	chain[2].Transactions = []string{hash.DigestString("forged")}
	require.NoError(t, peer.store.ReplaceAll(chain))

	local.node.registry.Add(peer.URL())

	before, err := local.node.chain.Chain()
	require.NoError(t, err)

	result, err := local.node.RunConsensus(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Replaced)
	assert.Equal(t, 3, chainLength(t, local.node))
	assert.Equal(t, []string{peer.URL()}, alerts.invalid)

	after, err := local.node.chain.Chain()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRunConsensus_TieKeepsLocal(t *testing.T) {
	local := newTestPeer(t, 3, nil)
	peer := newTestPeer(t, 3, nil)
	local.node.registry.Add(peer.URL())

	before, err := local.node.chain.Chain()
	require.NoError(t, err)

	result, err := local.node.RunConsensus(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Replaced)
	assert.Equal(t, 1, result.Responded)

	after, err := local.node.chain.Chain()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRunConsensus_UnreachablePeerExcluded(t *testing.T) {
	local := newTestPeer(t, 2, nil)
	peer := newTestPeer(t, 4, nil)

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	local.node.registry.AddAll([]string{deadURL, peer.URL()})

	result, err := local.node.RunConsensus(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Replaced)
	assert.Equal(t, 1, result.Responded)
	assert.Equal(t, 4, chainLength(t, local.node))
}

func TestMineAndBroadcast(t *testing.T) {
	miner := newTestPeer(t, 1, nil)
	receiver := newTestPeer(t, 1, nil)
	miner.node.registry.Add(receiver.URL())

	fileHash := hash.DigestString("contract.pdf")
	_, err := miner.node.BroadcastTransaction(context.Background(), fileHash)
	require.NoError(t, err)
	assert.Len(t, receiver.node.chain.PendingTransactions(), 1)

	block, err := miner.node.MineAndBroadcast(context.Background())
	require.NoError(t, err)
	require.NotNil(t, block)

	assert.Equal(t, 2, chainLength(t, receiver.node))
	assert.Empty(t, receiver.node.chain.PendingTransactions())

	valid, err := receiver.node.chain.VerifyTransaction(block.Index, fileHash)
	require.NoError(t, err)
	assert.True(t, valid)

	none, err := miner.node.MineAndBroadcast(context.Background())
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRegisterAndBroadcast(t *testing.T) {
	a := newTestPeer(t, 1, nil)
	b := newTestPeer(t, 1, nil)
	c := newTestPeer(t, 1, nil)

	a.node.registry.Add(b.URL())
	b.node.registry.Add(a.URL())

	require.NoError(t, c.node.Join(context.Background(), a.URL()))

	assert.ElementsMatch(t, []string{b.URL(), c.URL()}, a.node.registry.Peers())
	assert.ElementsMatch(t, []string{a.URL(), c.URL()}, b.node.registry.Peers())
	assert.ElementsMatch(t, []string{a.URL(), b.URL()}, c.node.registry.Peers())

	peers, err := a.node.client.Peers(context.Background(), c.URL())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.URL(), b.URL()}, peers)
}

func TestClient_VerifyTransaction(t *testing.T) {
	peer := newTestPeer(t, 1, nil)
	client := NewClient(5 * time.Second)
	ctx := context.Background()

	fileHash := hash.DigestString("report.pdf")
	index, err := client.BroadcastTransaction(ctx, peer.URL(), fileHash)
	require.NoError(t, err)
	assert.Equal(t, 2, index)

	_, err = peer.node.chain.Mine()
	require.NoError(t, err)

	resp, err := client.VerifyTransaction(ctx, peer.URL(), index, fileHash)
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	require.NotNil(t, resp.Proof)
	assert.True(t, resp.Proof.Verify(resp.RootHash))

	resp, err = client.VerifyTransaction(ctx, peer.URL(), index, hash.DigestString("other.pdf"))
	require.NoError(t, err)
	assert.False(t, resp.Valid)

	resp, err = client.VerifyTransaction(ctx, peer.URL(), ledger.GenesisIndex, fileHash)
	require.NoError(t, err)
	assert.False(t, resp.Valid)

	_, err = client.VerifyTransaction(ctx, peer.URL(), 99, fileHash)
	assert.ErrorIs(t, err, ledger.ErrBlockNotFound)
}

func TestClient_Consensus(t *testing.T) {
	local := newTestPeer(t, 1, nil)
	peer := newTestPeer(t, 2, nil)
	local.node.registry.Add(peer.URL())

	resp, err := NewClient(5*time.Second).Consensus(context.Background(), local.URL())
	require.NoError(t, err)
	assert.True(t, resp.Replaced)
	assert.Len(t, resp.Chain, 2)
}
