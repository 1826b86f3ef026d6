package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/docsense/docsense-backend/internal/logger"
	"github.com/docsense/docsense-backend/internal/repos"
	"github.com/docsense/docsense-backend/internal/types"
)

type fakeDocumentRepo struct {
	mu   sync.Mutex
	docs []*types.Document

	createErr error
	lookupErr error
	listErr   error

	// hashes that miss exactly once on lookup, to simulate a concurrent
	// insert landing between the hash check and Create
	raceMiss map[string]bool

	createCalls int
	lookupCalls int
}

func (f *fakeDocumentRepo) Create(ctx context.Context, tx *gorm.DB, doc *types.Document) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	for _, d := range f.docs {
		if d.ContentHash == doc.ContentHash {
			return nil, repos.ErrDuplicateHash
		}
	}
	f.docs = append(f.docs, doc)
	return doc, nil
}

func (f *fakeDocumentRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.docs {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, nil
}

func (f *fakeDocumentRepo) GetByContentHash(ctx context.Context, tx *gorm.DB, hash string) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupCalls++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if f.raceMiss[hash] {
		delete(f.raceMiss, hash)
		return nil, nil
	}
	for _, d := range f.docs {
		if d.ContentHash == hash {
			return d, nil
		}
	}
	return nil, nil
}

func (f *fakeDocumentRepo) ListWithEmbeddings(ctx context.Context, tx *gorm.DB) ([]*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*types.Document
	for _, d := range f.docs {
		if d.Embedding != nil {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDocumentRepo) Count(ctx context.Context, tx *gorm.DB) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return 0, f.lookupErr
	}
	return int64(len(f.docs)), nil
}

func (f *fakeDocumentRepo) AverageMatchedScore(ctx context.Context, tx *gorm.DB) (*float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum float64
	var n int
	for _, d := range f.docs {
		if d.MatchedScore != nil {
			sum += *d.MatchedScore
			n++
		}
	}
	if n == 0 {
		return nil, nil
	}
	avg := sum / float64(n)
	return &avg, nil
}

func (f *fakeDocumentRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

func (f *fakeDocumentRepo) at(i int) *types.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[i]
}

type fakeOpenAI struct {
	mu         sync.Mutex
	embeddings map[string][]float32
	embedErr   error
	genErr     error

	embedCalls int
	genCalls   int
	imageCalls int
}

func (f *fakeOpenAI) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedCalls++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		vec, ok := f.embeddings[in]
		if !ok {
			return nil, fmt.Errorf("no embedding scripted for %q", in)
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeOpenAI) GenerateText(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.genCalls++
	if f.genErr != nil {
		return "", f.genErr
	}
	return fmt.Sprintf("summary #%d", f.genCalls), nil
}

func (f *fakeOpenAI) DescribeImage(ctx context.Context, prompt string, imageBytes []byte, mimeType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imageCalls++
	if f.genErr != nil {
		return "", f.genErr
	}
	return "image description", nil
}

type fakeResultCache struct {
	mu sync.Mutex
	m  map[string]string
}

func newFakeResultCache() *fakeResultCache {
	return &fakeResultCache{m: make(map[string]string)}
}

func (f *fakeResultCache) GetResult(ctx context.Context, contentHash string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.m[contentHash]
	return v, ok
}

func (f *fakeResultCache) SetResult(ctx context.Context, contentHash string, result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[contentHash] = result
}

const (
	reportText    = "quarterly revenue grew twelve percent"
	reportAltText = "quarterly revenue increased by twelve percent"
	recipeText    = "recipe for chocolate chip cookies and brownies"
)

func scriptedEmbeddings() map[string][]float32 {
	// cos(report, reportAlt) = 0.90, cos(report, recipe) = 0.20
	alt := float32(math.Sqrt(1 - 0.9*0.9))
	rec := float32(math.Sqrt(1 - 0.2*0.2))
	return map[string][]float32{
		reportText:    {1, 0},
		reportAltText: {0.9, alt},
		recipeText:    {0.2, rec},
	}
}

func newTestRAG(t *testing.T, repo repos.DocumentRepo, ai OpenAIClient, cache ResultCache, mutate func(*RAGConfig)) RAGService {
	t.Helper()
	log, err := logger.New("production")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	cfg := RAGConfig{
		Enabled:             true,
		SimilarityThreshold: 0.85,
		HighConfidence:      0.95,
		EmbeddingDim:        2,
		MinEmbedChars:       16,
		SearchLimit:         5,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewRAGService(nil, log, repo, ai, cache, cfg)
}

func process(t *testing.T, svc RAGService, filename, mimeType, text string, fileBytes []byte) *ProcessOutcome {
	t.Helper()
	outcome, err := svc.Process(context.Background(), ProcessInput{
		FileBytes:     fileBytes,
		Filename:      filename,
		MimeType:      mimeType,
		ExtractedText: text,
	})
	if err != nil {
		t.Fatalf("Process(%s): %v", filename, err)
	}
	return outcome
}

func TestProcessFirstDocumentGenerates(t *testing.T) {
	repo := &fakeDocumentRepo{}
	ai := &fakeOpenAI{embeddings: scriptedEmbeddings()}
	svc := newTestRAG(t, repo, ai, nil, nil)

	fileBytes := []byte("report-v1")
	outcome := process(t, svc, "report.pdf", "application/pdf", reportText, fileBytes)

	if outcome.Source != SourceGenerated {
		t.Fatalf("source = %q, want %q", outcome.Source, SourceGenerated)
	}
	if outcome.Degraded {
		t.Fatalf("fresh generation should not be degraded")
	}
	if outcome.Matched != nil {
		t.Fatalf("fresh generation should carry no match")
	}
	if ai.genCalls != 1 {
		t.Fatalf("genCalls = %d, want 1", ai.genCalls)
	}
	if repo.count() != 1 {
		t.Fatalf("stored %d documents, want 1", repo.count())
	}
	doc := repo.at(0)
	if doc.ContentHash != ContentHash(fileBytes) {
		t.Fatalf("stored hash %q does not match content", doc.ContentHash)
	}
	if doc.Result != outcome.Result {
		t.Fatalf("stored result %q != returned result %q", doc.Result, outcome.Result)
	}
	if vec, err := doc.EmbeddingVector(); err != nil || len(vec) != 2 {
		t.Fatalf("stored embedding = %v (err %v), want 2-dim vector", vec, err)
	}
}

func TestProcessExactMatchReusesResult(t *testing.T) {
	repo := &fakeDocumentRepo{}
	ai := &fakeOpenAI{embeddings: scriptedEmbeddings()}
	svc := newTestRAG(t, repo, ai, nil, nil)

	fileBytes := []byte("report-v1")
	first := process(t, svc, "report.pdf", "application/pdf", reportText, fileBytes)
	second := process(t, svc, "report-copy.pdf", "application/pdf", reportText, fileBytes)

	if second.Source != SourceExactMatch {
		t.Fatalf("source = %q, want %q", second.Source, SourceExactMatch)
	}
	if second.Result != first.Result {
		t.Fatalf("exact match returned %q, want %q", second.Result, first.Result)
	}
	if ai.genCalls != 1 {
		t.Fatalf("re-upload triggered generation: genCalls = %d", ai.genCalls)
	}
	if ai.embedCalls != 1 {
		t.Fatalf("exact match should short-circuit before embedding: embedCalls = %d", ai.embedCalls)
	}
	if repo.count() != 1 {
		t.Fatalf("re-upload created a record: count = %d", repo.count())
	}
}

func TestProcessSimilarMatchReusesResult(t *testing.T) {
	repo := &fakeDocumentRepo{}
	ai := &fakeOpenAI{embeddings: scriptedEmbeddings()}
	svc := newTestRAG(t, repo, ai, nil, nil)

	first := process(t, svc, "report.pdf", "application/pdf", reportText, []byte("report-v1"))
	second := process(t, svc, "report-v2.pdf", "application/pdf", reportAltText, []byte("report-v2"))

	if second.Source != SourceSimilarMatch {
		t.Fatalf("source = %q, want %q", second.Source, SourceSimilarMatch)
	}
	if second.Result != first.Result {
		t.Fatalf("similar match returned %q, want reused %q", second.Result, first.Result)
	}
	if second.Matched == nil {
		t.Fatalf("similar match missing provenance")
	}
	if math.Abs(second.Matched.Score-0.9) > 1e-3 {
		t.Fatalf("matched score = %v, want ~0.90", second.Matched.Score)
	}
	if ai.genCalls != 1 {
		t.Fatalf("similar match triggered generation: genCalls = %d", ai.genCalls)
	}
	if repo.count() != 2 {
		t.Fatalf("similar match should persist its own record: count = %d", repo.count())
	}

	stored := repo.at(1)
	if stored.MatchedDocumentID == nil || *stored.MatchedDocumentID != repo.at(0).ID {
		t.Fatalf("stored record missing provenance pointer to matched document")
	}
	if stored.MatchedScore == nil || math.Abs(*stored.MatchedScore-0.9) > 1e-3 {
		t.Fatalf("stored record missing provenance score")
	}
	if stored.Result != first.Result {
		t.Fatalf("stored record should carry the reused result")
	}
}

func TestProcessUnrelatedDocumentGenerates(t *testing.T) {
	repo := &fakeDocumentRepo{}
	ai := &fakeOpenAI{embeddings: scriptedEmbeddings()}
	svc := newTestRAG(t, repo, ai, nil, nil)

	first := process(t, svc, "report.pdf", "application/pdf", reportText, []byte("report-v1"))
	second := process(t, svc, "recipe.pdf", "application/pdf", recipeText, []byte("recipe-v1"))

	if second.Source != SourceGenerated {
		t.Fatalf("source = %q, want %q", second.Source, SourceGenerated)
	}
	if second.Result == first.Result {
		t.Fatalf("unrelated document reused an existing result")
	}
	if ai.genCalls != 2 {
		t.Fatalf("genCalls = %d, want 2", ai.genCalls)
	}
	if repo.count() != 2 {
		t.Fatalf("count = %d, want 2", repo.count())
	}
}

func TestProcessEmbeddingFailureDegrades(t *testing.T) {
	repo := &fakeDocumentRepo{}
	ai := &fakeOpenAI{embedErr: errors.New("embedding service down")}
	svc := newTestRAG(t, repo, ai, nil, nil)

	outcome := process(t, svc, "report.pdf", "application/pdf", reportText, []byte("report-v1"))

	if outcome.Source != SourceGenerated {
		t.Fatalf("source = %q, want %q", outcome.Source, SourceGenerated)
	}
	if !outcome.Degraded {
		t.Fatalf("embedding failure should mark the outcome degraded")
	}
	if repo.count() != 1 {
		t.Fatalf("degraded generation should still persist: count = %d", repo.count())
	}
	if repo.at(0).Embedding != nil {
		t.Fatalf("record stored with embedding despite embed failure")
	}
}

func TestProcessStorageFailureDegrades(t *testing.T) {
	repo := &fakeDocumentRepo{lookupErr: errors.New("connection refused")}
	ai := &fakeOpenAI{embeddings: scriptedEmbeddings()}
	svc := newTestRAG(t, repo, ai, nil, nil)

	outcome := process(t, svc, "report.pdf", "application/pdf", reportText, []byte("report-v1"))

	if outcome.Source != SourceGenerated || !outcome.Degraded {
		t.Fatalf("outcome = %+v, want degraded generation", outcome)
	}
	if ai.embedCalls != 0 {
		t.Fatalf("unreachable store should skip embedding: embedCalls = %d", ai.embedCalls)
	}
}

func TestProcessDisabledDegrades(t *testing.T) {
	repo := &fakeDocumentRepo{}
	ai := &fakeOpenAI{embeddings: scriptedEmbeddings()}
	svc := newTestRAG(t, repo, ai, nil, func(c *RAGConfig) { c.Enabled = false })

	outcome := process(t, svc, "report.pdf", "application/pdf", reportText, []byte("report-v1"))

	if outcome.Source != SourceGenerated || !outcome.Degraded {
		t.Fatalf("outcome = %+v, want degraded generation", outcome)
	}
	if ai.embedCalls != 0 {
		t.Fatalf("disabled pipeline should never embed: embedCalls = %d", ai.embedCalls)
	}
}

func TestProcessShortTextSkipsEmbedding(t *testing.T) {
	repo := &fakeDocumentRepo{}
	ai := &fakeOpenAI{embeddings: scriptedEmbeddings()}
	svc := newTestRAG(t, repo, ai, nil, nil)

	outcome := process(t, svc, "note.txt", "text/plain", "hi there", []byte("note-v1"))

	if outcome.Source != SourceGenerated {
		t.Fatalf("source = %q, want %q", outcome.Source, SourceGenerated)
	}
	if outcome.Degraded {
		t.Fatalf("short text is a normal generation, not a degraded one")
	}
	if ai.embedCalls != 0 {
		t.Fatalf("short text should skip embedding: embedCalls = %d", ai.embedCalls)
	}
}

func TestProcessDuplicateInsertResolvesAsExactMatch(t *testing.T) {
	fileBytes := []byte("report-v1")
	hash := ContentHash(fileBytes)

	winnerID := uuid.New()
	winner := &types.Document{
		ID:             winnerID,
		ContentHash:    hash,
		Result:         "winner summary",
		SourceFilename: "report.pdf",
	}
	repo := &fakeDocumentRepo{
		docs:     []*types.Document{winner},
		raceMiss: map[string]bool{hash: true},
	}
	ai := &fakeOpenAI{embeddings: scriptedEmbeddings()}
	svc := newTestRAG(t, repo, ai, nil, nil)

	outcome := process(t, svc, "report.pdf", "application/pdf", reportText, fileBytes)

	if outcome.Source != SourceExactMatch {
		t.Fatalf("source = %q, want %q after losing the insert race", outcome.Source, SourceExactMatch)
	}
	if outcome.Result != "winner summary" {
		t.Fatalf("result = %q, want the winner's result", outcome.Result)
	}
	if repo.count() != 1 {
		t.Fatalf("losing the race must not add a record: count = %d", repo.count())
	}
}

func TestProcessInsertFailureStillReturnsResult(t *testing.T) {
	repo := &fakeDocumentRepo{createErr: errors.New("disk full")}
	ai := &fakeOpenAI{embeddings: scriptedEmbeddings()}
	svc := newTestRAG(t, repo, ai, nil, nil)

	outcome := process(t, svc, "report.pdf", "application/pdf", reportText, []byte("report-v1"))

	if outcome.Source != SourceGenerated {
		t.Fatalf("source = %q, want %q", outcome.Source, SourceGenerated)
	}
	if outcome.Result == "" {
		t.Fatalf("insert failure must not discard the generated result")
	}

	status, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.LastError == "" {
		t.Fatalf("insert failure should be surfaced in status")
	}
}

func TestProcessGenerationFailureIsTerminal(t *testing.T) {
	repo := &fakeDocumentRepo{}
	ai := &fakeOpenAI{embeddings: scriptedEmbeddings(), genErr: errors.New("model overloaded")}
	svc := newTestRAG(t, repo, ai, nil, nil)

	outcome, err := svc.Process(context.Background(), ProcessInput{
		FileBytes:     []byte("report-v1"),
		Filename:      "report.pdf",
		MimeType:      "application/pdf",
		ExtractedText: reportText,
	})
	if err == nil {
		t.Fatalf("generation failure should be returned as an error")
	}
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("error = %v, want ErrGenerationFailed", err)
	}
	if outcome != nil {
		t.Fatalf("failed generation should return no outcome")
	}
	if repo.count() != 0 {
		t.Fatalf("failed generation must leave nothing behind: count = %d", repo.count())
	}
}

func TestProcessImageWithoutTextDescribes(t *testing.T) {
	repo := &fakeDocumentRepo{}
	ai := &fakeOpenAI{embeddings: scriptedEmbeddings()}
	svc := newTestRAG(t, repo, ai, nil, nil)

	png := append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, []byte("pixels")...)
	outcome := process(t, svc, "photo.png", "image/png", "", png)

	if outcome.Source != SourceGenerated {
		t.Fatalf("source = %q, want %q", outcome.Source, SourceGenerated)
	}
	if ai.imageCalls != 1 {
		t.Fatalf("imageCalls = %d, want 1", ai.imageCalls)
	}
	if ai.genCalls != 0 {
		t.Fatalf("image without text should not hit the text generator")
	}
}

func TestProcessHotCacheHit(t *testing.T) {
	repo := &fakeDocumentRepo{}
	ai := &fakeOpenAI{embeddings: scriptedEmbeddings()}
	cache := newFakeResultCache()
	svc := newTestRAG(t, repo, ai, cache, nil)

	fileBytes := []byte("report-v1")
	cache.SetResult(context.Background(), ContentHash(fileBytes), "cached summary")

	outcome := process(t, svc, "report.pdf", "application/pdf", reportText, fileBytes)

	if outcome.Source != SourceExactMatch {
		t.Fatalf("source = %q, want %q", outcome.Source, SourceExactMatch)
	}
	if outcome.Result != "cached summary" {
		t.Fatalf("result = %q, want cached value", outcome.Result)
	}
	if repo.lookupCalls != 0 {
		t.Fatalf("hot cache hit should not touch the store")
	}
}

func TestStatusReportsCountAndAverage(t *testing.T) {
	repo := &fakeDocumentRepo{}
	ai := &fakeOpenAI{embeddings: scriptedEmbeddings()}
	svc := newTestRAG(t, repo, ai, nil, nil)

	process(t, svc, "report.pdf", "application/pdf", reportText, []byte("report-v1"))
	process(t, svc, "report-v2.pdf", "application/pdf", reportAltText, []byte("report-v2"))

	status, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Enabled {
		t.Fatalf("status should report enabled")
	}
	if status.DocumentCount != 2 {
		t.Fatalf("DocumentCount = %d, want 2", status.DocumentCount)
	}
	if status.AverageSimilarity == nil || math.Abs(*status.AverageSimilarity-0.9) > 1e-3 {
		t.Fatalf("AverageSimilarity = %v, want ~0.90", status.AverageSimilarity)
	}
}

func TestSearchRanksStoredDocuments(t *testing.T) {
	repo := &fakeDocumentRepo{}
	ai := &fakeOpenAI{embeddings: scriptedEmbeddings()}
	svc := newTestRAG(t, repo, ai, nil, nil)

	process(t, svc, "report.pdf", "application/pdf", reportText, []byte("report-v1"))
	process(t, svc, "recipe.pdf", "application/pdf", recipeText, []byte("recipe-v1"))

	results, err := svc.Search(context.Background(), reportAltText, 0.7, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 above threshold 0.7", len(results))
	}
	if results[0].Filename != "report.pdf" {
		t.Fatalf("top result = %q, want report.pdf", results[0].Filename)
	}
	if math.Abs(results[0].Score-0.9) > 1e-3 {
		t.Fatalf("score = %v, want ~0.90", results[0].Score)
	}
	if results[0].Result == "" {
		t.Fatalf("search result missing stored summary")
	}

	if _, err := svc.Search(context.Background(), "short", 0, 0); err == nil {
		t.Fatalf("query below minimum length should be rejected")
	}
}
