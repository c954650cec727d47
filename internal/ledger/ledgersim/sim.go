// Package ledgersim is an in-process stand-in for the ledger gateway. It
// speaks the same text protocol (form-encoded invoke, query parameters,
// free-text replies), applies writes only after a commit delay so reads are
// eventually consistent, and can be told to fail.
package ledgersim

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/prescription"
)

// Config holds simulator configuration
type Config struct {
	Channel   string
	Chaincode string
	// CommitDelay is how long an accepted write stays invisible to queries
	CommitDelay time.Duration
}

// DefaultConfig returns defaults matching the gateway client's defaults
func DefaultConfig() Config {
	return Config{
		Channel:     "mychannel",
		Chaincode:   "basic",
		CommitDelay: 2 * time.Second,
	}
}

type pendingWrite struct {
	visibleAt time.Time
	fragment  prescription.PatientAsset
	txID      string
}

// Gateway simulates the ledger gateway and its asset chaincode
type Gateway struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	assets   map[string]*prescription.PatientAsset
	pending  []pendingWrite
	failNext int
	invokes  int
	down     bool
}

// New creates an empty simulated ledger
func New(cfg Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		config: cfg,
		logger: logger,
		now:    time.Now,
		assets: make(map[string]*prescription.PatientAsset),
	}
}

// Router returns the gateway's HTTP routes
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/invoke", g.handleInvoke)
	r.Get("/query", g.handleQuery)
	r.Get("/health", g.handleHealth)
	return r
}

// FailNextInvokes makes the next n invokes answer 503.
func (g *Gateway) FailNextInvokes(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = n
}

// SetDown makes every endpoint answer 503 until cleared.
func (g *Gateway) SetDown(down bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.down = down
}

// Invokes returns how many invokes were accepted.
func (g *Gateway) Invokes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.invokes
}

// Asset returns the committed asset for id, ignoring writes still in flight.
func (g *Gateway) Asset(id string) (*prescription.PatientAsset, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commitLocked()
	a, ok := g.assets[id]
	if !ok {
		return nil, false
	}
	cp := *a
	cp.Prescriptions = append([]prescription.PrescriptionRecord(nil), a.Prescriptions...)
	return &cp, true
}

type call struct {
	channel, chaincode, function string
	args                         []string
}

func parseCall(r *http.Request) (*call, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("bad form: %w", err)
	}
	c := &call{
		channel:   r.Form.Get("channelid"),
		chaincode: r.Form.Get("chaincodeid"),
		function:  r.Form.Get("function"),
	}
	if raw := r.Form.Get("args"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.args); err != nil {
			return nil, fmt.Errorf("args must be a JSON array of strings: %w", err)
		}
	}
	return c, nil
}

func (g *Gateway) checkTarget(w http.ResponseWriter, c *call) bool {
	if c.channel != g.config.Channel || c.chaincode != g.config.Chaincode {
		http.Error(w, fmt.Sprintf("unknown channel/chaincode %s/%s", c.channel, c.chaincode), http.StatusNotFound)
		return false
	}
	return true
}

func (g *Gateway) handleInvoke(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	if g.down || g.failNext > 0 {
		if g.failNext > 0 {
			g.failNext--
		}
		g.mu.Unlock()
		http.Error(w, "gateway temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	g.mu.Unlock()

	c, err := parseCall(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !g.checkTarget(w, c) {
		return
	}

	switch c.function {
	case "CreateAsset":
		if len(c.args) != 1 {
			writeText(w, "Error: CreateAsset expects one argument")
			return
		}
		var fragment prescription.PatientAsset
		if err := json.Unmarshal([]byte(c.args[0]), &fragment); err != nil || fragment.PatientID == "" {
			writeText(w, "Error: invalid asset JSON")
			return
		}
		txID := newTxID()
		g.mu.Lock()
		g.invokes++
		g.pending = append(g.pending, pendingWrite{
			visibleAt: g.now().Add(g.config.CommitDelay),
			fragment:  fragment,
			txID:      txID,
		})
		g.mu.Unlock()

		g.logger.Debug("invoke accepted",
			zap.String("patient_id", fragment.PatientID),
			zap.String("tx_id", txID))
		writeText(w, fmt.Sprintf("Transaction ID : %s committed", txID))
	default:
		writeText(w, fmt.Sprintf("Error: function %s not found", c.function))
	}
}

func (g *Gateway) handleQuery(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	down := g.down
	g.mu.Unlock()
	if down {
		http.Error(w, "gateway temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	c, err := parseCall(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !g.checkTarget(w, c) {
		return
	}

	switch c.function {
	case "ReadAsset":
		if len(c.args) != 1 {
			writeText(w, "Response: Error: ReadAsset expects one argument")
			return
		}
		asset, ok := g.Asset(c.args[0])
		if !ok {
			writeText(w, fmt.Sprintf("Response: Error: the asset %s does not exist", c.args[0]))
			return
		}
		body, _ := json.Marshal(asset)
		writeText(w, "Response: "+string(body))
	case "AssetExists":
		if len(c.args) != 1 {
			writeText(w, "Response: Error: AssetExists expects one argument")
			return
		}
		_, ok := g.Asset(c.args[0])
		writeText(w, fmt.Sprintf("Response: %t", ok))
	case "GetAllAssets":
		body, _ := json.Marshal(g.all())
		writeText(w, "Response: "+string(body))
	default:
		writeText(w, fmt.Sprintf("Response: Error: function %s not found", c.function))
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	down := g.down
	g.mu.Unlock()
	if down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeText(w, "OK")
}

func (g *Gateway) all() []prescription.PatientAsset {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commitLocked()

	ids := make([]string, 0, len(g.assets))
	for id := range g.assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]prescription.PatientAsset, 0, len(ids))
	for _, id := range ids {
		out = append(out, *g.assets[id])
	}
	return out
}

// commitLocked applies pending writes whose commit delay has passed, in
// submission order.
func (g *Gateway) commitLocked() {
	now := g.now()
	kept := g.pending[:0]
	for _, p := range g.pending {
		if now.Before(p.visibleAt) {
			kept = append(kept, p)
			continue
		}
		asset, ok := g.assets[p.fragment.PatientID]
		if !ok {
			asset = &prescription.PatientAsset{}
			g.assets[p.fragment.PatientID] = asset
		}
		fragment := p.fragment
		fragment.Prescriptions = make([]prescription.PrescriptionRecord, len(p.fragment.Prescriptions))
		for i, rx := range p.fragment.Prescriptions {
			rx.TxID = p.txID
			fragment.Prescriptions[i] = rx
		}
		asset.Merge(&fragment)
	}
	g.pending = kept
}

func writeText(w http.ResponseWriter, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s))
}

func newTxID() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
