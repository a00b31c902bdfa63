// ABOUTME: Memory gateway: retrieves agent memory blocks as execution context and records turn captures
// ABOUTME: Retrieval failures degrade to an empty context so a turn never fails on memory

package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"

	"github.com/2389/hearth/internal/metrics"
	"github.com/2389/hearth/internal/store"
)

// ErrDegraded marks a memory operation that failed and was skipped
var ErrDegraded = errors.New("memory degraded")

// DefaultLabels are retrieved when a turn names none
var DefaultLabels = []string{"human", "persona", "preferences", "knowledge", ReflectionLabel}

// DefaultPerLabel caps the blocks rendered per label
const DefaultPerLabel = 20

// Capture is what a finished turn hands to memory
type Capture struct {
	AgentID        string
	ConversationID string
	SessionID      string
	TurnNumber     int
	Status         store.TurnStatus
	Partial        bool
	Message        string
	Response       string
	Error          string
	At             time.Time
}

// Backend is a memory service
type Backend interface {
	// Blocks returns an agent's blocks for the given labels
	Blocks(ctx context.Context, agentID string, labels []string) ([]*store.MemoryBlock, error)
	// Capture records a finished turn
	Capture(ctx context.Context, c Capture) error
}

// Snapshot is the memory context for one turn
type Snapshot struct {
	Context  string
	Labels   []string // labels that contributed at least one block
	Blocks   int
	Degraded bool
}

// Gateway renders memory for turns
type Gateway struct {
	backend  Backend
	perLabel int
	timeout  time.Duration
	logger   *slog.Logger
}

// GatewayOptions configures a Gateway
type GatewayOptions struct {
	PerLabel int
	// Timeout bounds a single retrieval (default 5s)
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewGateway creates a Gateway over backend
func NewGateway(backend Backend, opts GatewayOptions) *Gateway {
	if opts.PerLabel <= 0 {
		opts.PerLabel = DefaultPerLabel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gateway{
		backend:  backend,
		perLabel: opts.PerLabel,
		timeout:  opts.Timeout,
		logger:   opts.Logger.With("component", "memory"),
	}
}

// Backend returns the gateway's backend
func (g *Gateway) Backend() Backend { return g.backend }

// Load fetches and renders blocks for labels (DefaultLabels when empty).
// Backend failures are wrapped with ErrDegraded.
func (g *Gateway) Load(ctx context.Context, agentID string, labels []string) (Snapshot, error) {
	if len(labels) == 0 {
		labels = DefaultLabels
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	blocks, err := g.backend.Blocks(ctx, agentID, labels)
	if err != nil {
		return Snapshot{Degraded: true}, fmt.Errorf("%w: %w", ErrDegraded, err)
	}

	present := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		present[b.Label] = true
	}
	var found []string
	for _, l := range labels {
		if present[l] {
			found = append(found, l)
			delete(present, l)
		}
	}

	text, n := Render(labels, blocks, g.perLabel)
	return Snapshot{Context: text, Labels: found, Blocks: n}, nil
}

// Retrieve is Load with degradation: on failure it logs, counts and returns
// an empty snapshot.
func (g *Gateway) Retrieve(ctx context.Context, agentID string, labels []string) Snapshot {
	snap, err := g.Load(ctx, agentID, labels)
	if err != nil {
		g.logger.Warn("memory retrieval degraded", "agent_id", agentID, "error", err)
		metrics.MemoryDegraded.WithLabelValues("retrieve").Inc()
		return Snapshot{Degraded: true}
	}
	return snap
}

// Render formats blocks as markdown sections, one per label in the order
// given. Labels with no blocks, and blocks with unrequested labels, are
// skipped. It returns the text and the number of blocks rendered.
func Render(labels []string, blocks []*store.MemoryBlock, perLabel int) (string, int) {
	byLabel := make(map[string][]*store.MemoryBlock)
	for _, b := range blocks {
		byLabel[b.Label] = append(byLabel[b.Label], b)
	}

	var (
		lines    []string
		rendered int
		seen     = make(map[string]bool, len(labels))
	)
	for _, label := range labels {
		if seen[label] {
			continue
		}
		seen[label] = true

		group := byLabel[label]
		if len(group) == 0 {
			continue
		}
		byKey := func(i, j int) bool { return group[i].Key < group[j].Key }
		sort.SliceStable(group, byKey)
		if perLabel > 0 && len(group) > perLabel {
			// keep the most recently updated
			sort.SliceStable(group, func(i, j int) bool { return group[i].UpdatedAt.After(group[j].UpdatedAt) })
			group = group[:perLabel]
			sort.SliceStable(group, byKey)
		}

		lines = append(lines, "### "+title(label))
		for _, b := range group {
			lines = append(lines, fmt.Sprintf("- **%s**: %s", b.Key, b.Value))
		}
		lines = append(lines, "")
		rendered += len(group)
	}
	return strings.Join(lines, "\n"), rendered
}

func title(label string) string {
	r, size := utf8.DecodeRuneInString(label)
	if r == utf8.RuneError {
		return label
	}
	return string(unicode.ToUpper(r)) + label[size:]
}

// RenderHTML converts a rendered context to HTML
func RenderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("rendering memory html: %w", err)
	}
	return buf.String(), nil
}
