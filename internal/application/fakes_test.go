package application

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	sqliteadapter "github.com/ericfisherdev/dupescan/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/dupescan/internal/domain/model"
	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// fakeCodeHost serves a scripted PR listing with per-PR files and diffs.
type fakeCodeHost struct {
	mu       sync.Mutex
	prs      []driven.RemotePR
	files    map[int][]string
	diffs    map[int]string
	diffErrs map[int]error

	listCalls  int
	filesCalls int
	diffCalls  int
}

func (f *fakeCodeHost) ListPRs(_ context.Context, _, _ string, opts driven.ListPRsOptions) ([]driven.RemotePR, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++

	var out []driven.RemotePR
	for _, pr := range f.prs {
		if !opts.Since.IsZero() {
			if pr.UpdatedAt.After(opts.Since) {
				out = append(out, pr)
			}
			continue
		}
		if pr.State != "open" {
			continue
		}
		if opts.Max > 0 && len(out) >= opts.Max {
			break
		}
		out = append(out, pr)
	}
	return out, nil
}

func (f *fakeCodeHost) GetPRFiles(_ context.Context, _, _ string, number int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filesCalls++
	return f.files[number], nil
}

func (f *fakeCodeHost) GetPRDiff(_ context.Context, _, _ string, number int, _ string) (driven.Diff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diffCalls++
	if err := f.diffErrs[number]; err != nil {
		return driven.Diff{}, err
	}
	return driven.Diff{Body: f.diffs[number]}, nil
}

// setPR replaces or appends a listing entry.
func (f *fakeCodeHost) setPR(pr driven.RemotePR) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.prs {
		if f.prs[i].Number == pr.Number {
			f.prs[i] = pr
			return
		}
	}
	f.prs = append(f.prs, pr)
}

// fakeChat answers chat requests through a scripted respond function.
type fakeChat struct {
	mu      sync.Mutex
	respond func(driven.ChatRequest) (string, error)
	calls   []driven.ChatRequest
}

func (f *fakeChat) Name() string                { return "fake/chat-1" }
func (f *fakeChat) CountTokens(text string) int { return (len(text) + 3) / 4 }

func (f *fakeChat) Chat(_ context.Context, req driven.ChatRequest) (driven.ChatResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	content, err := f.respond(req)
	if err != nil {
		return driven.ChatResult{}, err
	}
	return driven.ChatResult{
		Content: content,
		Usage:   model.TokenUsage{Input: 100, Output: 20},
	}, nil
}

// callsWithSystem counts requests issued under the given system prompt.
func (f *fakeChat) callsWithSystem(system string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, call := range f.calls {
		if call.System == system {
			n++
		}
	}
	return n
}

func (f *fakeChat) resetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

// fakeBatchChat adds the async-batch capability on top of fakeChat.
type fakeBatchChat struct {
	fakeChat
	batchCalls   int
	batchesMade  int
	existingSeen []string
}

func (f *fakeBatchChat) ChatBatch(ctx context.Context, reqs []driven.ChatRequest, opts driven.BatchOptions) ([]driven.ChatResult, error) {
	f.mu.Lock()
	f.batchCalls++
	if opts.ExistingBatchID != "" {
		f.existingSeen = append(f.existingSeen, opts.ExistingBatchID)
	}
	f.mu.Unlock()

	if opts.ExistingBatchID == "" && opts.OnBatchCreated != nil {
		f.mu.Lock()
		f.batchesMade++
		id := fmt.Sprintf("chat-batch-%d", f.batchesMade)
		f.mu.Unlock()
		opts.OnBatchCreated(id)
	}

	results := make([]driven.ChatResult, len(reqs))
	for i, req := range reqs {
		result, err := f.Chat(ctx, req)
		if err != nil {
			result = driven.ChatResult{Err: err}
		}
		results[i] = result
	}
	return results, nil
}

// fakeEmbedder produces deterministic vectors from a scripted function.
type fakeEmbedder struct {
	mu      sync.Mutex
	embedFn func(string) []float32

	embedCalls int
	texts      []string
}

func (f *fakeEmbedder) Name() string                { return "fake/embed-1" }
func (f *fakeEmbedder) Dimensions() int             { return 3 }
func (f *fakeEmbedder) MaxInputTokens() int         { return 8191 }
func (f *fakeEmbedder) CountTokens(text string) int { return (len(text) + 3) / 4 }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedCalls++
	f.texts = append(f.texts, texts...)

	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = f.embedFn(text)
	}
	return out, nil
}

func (f *fakeEmbedder) resetCalls() {
	f.mu.Lock()
	f.embedCalls = 0
	f.texts = nil
	f.mu.Unlock()
}

// fakeBatchEmbedder adds the async-batch capability with a one-shot failure
// hook for resume testing: the first batch reports its id via OnBatchCreated
// and then dies, as a worker crash mid-poll would look to the caller.
type fakeBatchEmbedder struct {
	fakeEmbedder
	failAfterCreate bool
	batchesMade     int
	existingSeen    []string
}

func (f *fakeBatchEmbedder) EmbedBatch(ctx context.Context, texts []string, opts driven.BatchOptions) ([][]float32, error) {
	if opts.ExistingBatchID != "" {
		f.mu.Lock()
		f.existingSeen = append(f.existingSeen, opts.ExistingBatchID)
		f.mu.Unlock()
	} else if opts.OnBatchCreated != nil {
		f.mu.Lock()
		f.batchesMade++
		id := fmt.Sprintf("emb-batch-%d", f.batchesMade)
		fail := f.failAfterCreate
		f.failAfterCreate = false
		f.mu.Unlock()

		opts.OnBatchCreated(id)
		if fail {
			return nil, fmt.Errorf("connection reset while polling batch %s", id)
		}
	}

	return f.Embed(ctx, texts)
}

// fakeResolver hands every account the same service bundle.
type fakeResolver struct {
	svc *Services
}

func (f *fakeResolver) Resolve(context.Context, int64) (*Services, error) {
	return f.svc, nil
}

// scenarioEmbedFn maps the scenario fixture's texts to vectors: the two
// session-fix PRs nearly coincide, everything else stays similar enough to
// clear the candidate threshold but clearly apart.
func scenarioEmbedFn(text string) []float32 {
	switch {
	case strings.Contains(text, "Fix login timeout"):
		return []float32{1, 0.05, 0.1}
	case strings.Contains(text, "Fix session expiration bug"):
		return []float32{0.98, 0.05, 0.12}
	case strings.Contains(text, "Add dark mode"):
		return []float32{0.9, 0.436, 0}
	case strings.Contains(text, "Fix typo in README"):
		return []float32{0.9, 0, 0.436}
	case strings.Contains(text, "session.go"):
		return []float32{0, 1, 0}
	case strings.Contains(text, "theme.css"):
		return []float32{0, 0.7, 0.7}
	case strings.Contains(text, "README.md"):
		return []float32{0.7, 0, 0.7}
	default:
		return []float32{0.5, 0.5, 0.5}
	}
}

// scenarioChatRespond scripts the chat provider: intent prompts echo the
// title, verification confirms only the 1<->2 pair, ranking scores lower PR
// numbers higher.
func scenarioChatRespond(req driven.ChatRequest) (string, error) {
	switch req.System {
	case intentSystemPrompt:
		title := "unknown"
		if line, _, ok := strings.Cut(req.Prompt, "\n"); ok {
			if _, t, ok := strings.Cut(line, ": "); ok {
				title = t
			}
		}
		return fmt.Sprintf(`{"summary": "Summary of: %s"}`, title), nil
	case verifySystemPrompt:
		if strings.Contains(req.Prompt, "PR #1:") && strings.Contains(req.Prompt, "PR #2:") {
			return `{"isDuplicate": true, "confidence": 0.9, "relationship": "near_duplicate", "rationale": "same session fix"}`, nil
		}
		return `{"isDuplicate": false, "confidence": 0.2, "relationship": "unrelated", "rationale": "different problems"}`, nil
	case rankSystemPrompt:
		var entries []string
		score := 0.9
		for _, line := range strings.Split(req.Prompt, "\n") {
			var n int
			if _, err := fmt.Sscanf(line, "PR #%d:", &n); err == nil {
				entries = append(entries, fmt.Sprintf(`{"prNumber": %d, "score": %.2f, "rationale": "r"}`, n, score))
				score -= 0.2
			}
		}
		return "[" + strings.Join(entries, ",") + "]", nil
	}
	return "", fmt.Errorf("unexpected system prompt")
}

// testEnv wires the scan pipeline over a real SQLite database with fake
// providers.
type testEnv struct {
	t   *testing.T
	ctx context.Context

	db       *sqliteadapter.DB
	repoRepo *sqliteadapter.RepoRepo
	prRepo   *sqliteadapter.PRRepo
	scanRepo *sqliteadapter.ScanRepo
	groups   *sqliteadapter.GroupRepo
	pairwise *sqliteadapter.PairwiseRepo
	jobs     *sqliteadapter.JobRepo
	vectors  *sqliteadapter.VectorRepo

	queue *Queue
	svc   *ScanService

	codeHost    *fakeCodeHost
	chat        *fakeChat
	embedder    *fakeEmbedder
	resolverSvc *Services

	repoID    int64
	accountID int64

	lastFailedJobID int64
}

func newTestEnv(t *testing.T, chat driven.ChatProvider, embedder driven.EmbeddingProvider) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := sqliteadapter.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqliteadapter.RunMigrations(db.Writer))

	env := &testEnv{
		t:        t,
		ctx:      ctx,
		db:       db,
		repoRepo: sqliteadapter.NewRepoRepo(db),
		prRepo:   sqliteadapter.NewPRRepo(db),
		scanRepo: sqliteadapter.NewScanRepo(db),
		groups:   sqliteadapter.NewGroupRepo(db),
		pairwise: sqliteadapter.NewPairwiseRepo(db),
		jobs:     sqliteadapter.NewJobRepo(db),
		vectors:  sqliteadapter.NewVectorRepo(db),
	}

	env.accountID, err = sqliteadapter.NewAccountRepo(db).Add(ctx, model.Account{
		Name: "acme", APIKey: "key-1", ProviderConfig: "{}",
	})
	require.NoError(t, err)

	env.repoID, err = env.repoRepo.Add(ctx, model.Repository{Owner: "octocat", Name: "hello-world"})
	require.NoError(t, err)

	env.codeHost = newScenarioCodeHost()

	if fc, ok := chat.(*fakeChat); ok {
		env.chat = fc
	} else if fbc, ok := chat.(*fakeBatchChat); ok {
		env.chat = &fbc.fakeChat
	}

	env.resolverSvc = &Services{
		CodeHost:  env.codeHost,
		Chat:      chat,
		Embedding: embedder,
		Vectors:   env.vectors,
	}
	resolver := &fakeResolver{svc: env.resolverSvc}

	env.queue = NewQueue(env.jobs)
	env.svc = NewScanService(env.repoRepo, env.prRepo, env.scanRepo, env.groups, env.pairwise, env.queue, resolver)

	return env
}

// newScenarioCodeHost builds the four-PR fixture: two session fixes with
// identical paths, a dark mode feature, and a README typo fix.
func newScenarioCodeHost() *fakeCodeHost {
	updated := time.Date(2026, 7, 20, 12, 0, 0, 0, time.UTC)
	return &fakeCodeHost{
		prs: []driven.RemotePR{
			{Number: 1, Title: "Fix login timeout", Body: "Sessions expire too early.", Author: "alice", State: "open", UpdatedAt: updated},
			{Number: 2, Title: "Fix session expiration bug", Body: "Session TTL is wrong.", Author: "bob", State: "open", UpdatedAt: updated},
			{Number: 3, Title: "Add dark mode", Body: "New theme toggle.", Author: "carol", State: "open", UpdatedAt: updated},
			{Number: 4, Title: "Fix typo in README", Body: "Spelling.", Author: "dave", State: "open", UpdatedAt: updated},
		},
		files: map[int][]string{
			1: {"internal/auth/session.go"},
			2: {"internal/auth/session.go"},
			3: {"web/theme.css"},
			4: {"README.md"},
		},
		diffs: map[int]string{
			1: "diff --git a/internal/auth/session.go\n@@ -1 +1 @@\n-x\n+y\n",
			2: "diff --git a/internal/auth/session.go\n@@ -2 +2 @@\n-x\n+z\n",
			3: "diff --git a/web/theme.css\n@@ -1 +1 @@\n-a\n+b\n",
			4: "diff --git a/README.md\n@@ -1 +1 @@\n-teh\n+the\n",
		},
		diffErrs: map[int]error{},
	}
}

// drain claims and dispatches jobs until the queue has nothing runnable.
// Failed jobs are recorded and land back in the queue with their backoff.
func (env *testEnv) drain() {
	env.t.Helper()

	for i := 0; i < 30; i++ {
		job, err := env.queue.Dequeue(env.ctx)
		require.NoError(env.t, err)
		if job == nil {
			return
		}

		if err := env.dispatch(job); err != nil {
			env.lastFailedJobID = job.ID
			_, failErr := env.queue.Fail(env.ctx, job, err)
			require.NoError(env.t, failErr)
			continue
		}
		require.NoError(env.t, env.queue.Complete(env.ctx, job.ID))
	}

	env.t.Fatal("queue did not drain")
}

func (env *testEnv) dispatch(job *model.Job) error {
	switch job.Type {
	case model.JobTypeScan:
		return env.svc.HandleScanJob(env.ctx, job)
	case model.JobTypeIngest:
		return env.svc.HandleIngestJob(env.ctx, job)
	case model.JobTypeDetect:
		return env.svc.HandleDetectJob(env.ctx, job)
	default:
		return fmt.Errorf("unexpected job type %q", job.Type)
	}
}

// runScan starts a scan and drains the queue.
func (env *testEnv) runScan(full bool) int64 {
	env.t.Helper()
	scanID, err := env.svc.StartScan(env.ctx, env.repoID, env.accountID, full, 0)
	require.NoError(env.t, err)
	env.drain()
	return scanID
}

func (env *testEnv) getScan(scanID int64) *model.Scan {
	env.t.Helper()
	scan, err := env.scanRepo.Get(env.ctx, scanID)
	require.NoError(env.t, err)
	require.NotNil(env.t, scan)
	return scan
}
