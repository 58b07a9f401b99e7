package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mudler/xlog"

	"github.com/khub/knowledgehub/hub/interfaces"
	"github.com/khub/knowledgehub/hub/types"
)

// State is the composer's position in the answer pipeline.
type State int

const (
	StateIdle State = iota
	StateRetrieving
	StatePacking
	StateGenerating
	StateValidating
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRetrieving:
		return "retrieving"
	case StatePacking:
		return "packing"
	case StateGenerating:
		return "generating"
	case StateValidating:
		return "validating"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

const systemPrompt = "You answer only from the provided CONTEXT. If it is insufficient, say so. " +
	"Include [CIT-#] after each claim and do not invent facts that are not present in the context. " +
	"Be concise but complete. Do not preface answers with phrases like 'based on the context'."

const stricterSuffix = "\n\nStrictly include citations like [CIT-#] from CONTEXT only."

// ComposerConfig holds the answer-pipeline tunables.
type ComposerConfig struct {
	// K is the number of fused results retrieved before packing.
	K int
	// MaxContextTokens is the default context budget.
	MaxContextTokens int
}

func DefaultComposerConfig() ComposerConfig {
	return ComposerConfig{K: 16, MaxContextTokens: 3000}
}

// AnswerRequest is one grounded-answer invocation.
type AnswerRequest struct {
	Query            string
	DocumentID       int64
	K                int
	MaxContextTokens int

	// ConversationID serializes generations belonging to the same chat
	// thread; requests from distinct conversations run fully in parallel.
	ConversationID string
}

// Composer drives a request through retrieving, packing, generating and
// validating, producing a citation-grounded AnswerResponse.
type Composer struct {
	hybrid *HybridSearcher
	chunks interfaces.ChunkFetcher
	model  interfaces.ChatModel
	packer *Packer
	cfg    ComposerConfig

	mu    sync.Mutex
	gates map[string]*conversationGate
}

// conversationGate serializes generations for one conversation id. refs
// counts holders and waiters so the entry can be dropped once idle.
type conversationGate struct {
	ch   chan struct{}
	refs int
}

func NewComposer(hybrid *HybridSearcher, chunks interfaces.ChunkFetcher, model interfaces.ChatModel, packer *Packer, cfg ComposerConfig) *Composer {
	return &Composer{
		hybrid: hybrid,
		chunks: chunks,
		model:  model,
		packer: packer,
		cfg:    cfg,
		gates:  map[string]*conversationGate{},
	}
}

// Answer runs the full pipeline for one request. The returned error is one
// of the taxonomy sentinels; ErrNoContext means retrieval found nothing to
// ground an answer on, ErrCancelled means the caller aborted mid-flight.
func (c *Composer) Answer(ctx context.Context, req AnswerRequest) (*types.AnswerResponse, error) {
	if req.K <= 0 {
		req.K = c.cfg.K
	}
	if req.K > MaxLimit {
		req.K = MaxLimit
	}
	if req.MaxContextTokens <= 0 {
		req.MaxContextTokens = c.cfg.MaxContextTokens
	}

	release, err := c.acquire(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	run := &answerRun{state: StateIdle, query: req.Query}
	start := time.Now()

	run.transition(StateRetrieving)
	fused, err := c.hybrid.Search(ctx, req.Query, req.DocumentID, req.K)
	if err != nil {
		run.fail(ctx, err)
		return nil, err
	}

	run.transition(StatePacking)
	packed, err := c.pack(ctx, fused, req.MaxContextTokens)
	if err != nil {
		run.fail(ctx, err)
		return nil, err
	}
	retrieveMS := time.Since(start).Milliseconds()

	run.transition(StateGenerating)
	user := userPrompt(packed.Text, req.Query, req.DocumentID)
	genStart := time.Now()
	answer, err := c.model.Chat(ctx, systemPrompt, user)
	if err != nil {
		run.fail(ctx, err)
		return nil, err
	}

	run.transition(StateValidating)
	indices := ExtractCitationIndices(answer)
	if len(indices) == 0 {
		// One stricter attempt; transport failures here are terminal, the
		// retry budget covers citation enforcement only.
		run.transition(StateGenerating)
		answer, err = c.model.Chat(ctx, systemPrompt, user+stricterSuffix)
		if err != nil {
			run.fail(ctx, err)
			return nil, err
		}
		run.transition(StateValidating)
		indices = ExtractCitationIndices(answer)
	}

	llmMS := time.Since(genStart).Milliseconds()
	resp := &types.AnswerResponse{
		Answer:     answer,
		Citations:  resolveCitations(indices, packed.Citations),
		UsedChunks: packed.UsedChunks,
		Timings: types.Timings{
			RetrieveMS: retrieveMS,
			LLMMS:      llmMS,
			TotalMS:    time.Since(start).Milliseconds(),
		},
		Ungrounded: len(indices) == 0,
	}
	run.transition(StateDone)
	return resp, nil
}

func (c *Composer) pack(ctx context.Context, fused []types.FusedResult, budget int) (PackedContext, error) {
	if len(fused) == 0 {
		return PackedContext{}, types.ErrNoContext
	}

	ids := make([]int64, 0, len(fused))
	titles := map[int64]string{}
	for _, f := range fused {
		ids = append(ids, f.ChunkID)
		titles[f.ChunkID] = f.DocumentTitle
	}
	chunks, err := c.chunks.GetChunks(ctx, ids...)
	if err != nil {
		return PackedContext{}, fmt.Errorf("%w: %v", types.ErrRetrieval, err)
	}
	byID := map[int64]types.Chunk{}
	for _, ch := range chunks {
		byID[ch.ID] = ch
	}

	items := make([]PackItem, 0, len(fused))
	for _, f := range fused {
		ch, ok := byID[f.ChunkID]
		if !ok {
			continue
		}
		items = append(items, PackItem{Chunk: ch, Title: titles[f.ChunkID]})
	}

	packed := c.packer.Pack(items, budget)
	if len(packed.UsedChunks) == 0 {
		return PackedContext{}, types.ErrNoContext
	}
	return packed, nil
}

// acquire blocks until this conversation has no other generation in flight.
// Requests without a conversation id are not serialized. Gate entries are
// reference-counted and removed once the last holder or waiter is gone.
func (c *Composer) acquire(ctx context.Context, conversationID string) (func(), error) {
	if conversationID == "" {
		return func() {}, nil
	}

	c.mu.Lock()
	gate, ok := c.gates[conversationID]
	if !ok {
		gate = &conversationGate{ch: make(chan struct{}, 1)}
		c.gates[conversationID] = gate
	}
	gate.refs++
	c.mu.Unlock()

	select {
	case gate.ch <- struct{}{}:
		return func() {
			<-gate.ch
			c.releaseGate(conversationID, gate)
		}, nil
	case <-ctx.Done():
		c.releaseGate(conversationID, gate)
		return nil, types.ErrCancelled
	}
}

func (c *Composer) releaseGate(conversationID string, gate *conversationGate) {
	c.mu.Lock()
	gate.refs--
	if gate.refs == 0 {
		delete(c.gates, conversationID)
	}
	c.mu.Unlock()
}

type answerRun struct {
	state State
	// failedFrom records which pipeline stage a failed run was in.
	failedFrom State
	query      string
}

func (r *answerRun) transition(next State) {
	xlog.Debug("answer state transition", "from", r.state.String(), "to", next.String())
	r.state = next
}

func (r *answerRun) fail(ctx context.Context, err error) {
	r.failedFrom = r.state
	if errors.Is(err, types.ErrCancelled) || ctx.Err() != nil {
		r.transition(StateCancelled)
		return
	}
	r.transition(StateFailed)
	xlog.Warn("answer pipeline failed", "state", r.failedFrom.String(), "query", r.query, "error", err)
}

func userPrompt(contextBlock, query string, documentID int64) string {
	scope := ""
	if documentID != 0 {
		scope = fmt.Sprintf(" (scope: document_id=%d)", documentID)
	}
	return "Return a coherent answer with bullet points and short paragraphs. " +
		"Don't invent facts. Always cite.\n\n" + contextBlock +
		fmt.Sprintf("\n\nQUESTION%s: %s", scope, query)
}

var citationPattern = regexp.MustCompile(`\[CIT-(\d+)\]`)

// ExtractCitationIndices returns the sorted unique citation indices found in
// generated text.
func ExtractCitationIndices(text string) []int {
	seen := map[int]bool{}
	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			seen[n] = true
		}
	}
	indices := make([]int, 0, len(seen))
	for n := range seen {
		indices = append(indices, n)
	}
	sort.Ints(indices)
	return indices
}

// resolveCitations maps markers actually present in the answer back onto the
// packed mapping. Markers outside the packed range are dropped, never
// fabricated.
func resolveCitations(indices []int, packed []types.Citation) []types.Citation {
	citations := []types.Citation{}
	for _, n := range indices {
		if n >= 1 && n <= len(packed) {
			citations = append(citations, packed[n-1])
		}
	}
	return citations
}
