package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/docsense/docsense-backend/internal/logger"
	"github.com/docsense/docsense-backend/internal/repos"
	"github.com/docsense/docsense-backend/internal/types"
	"github.com/docsense/docsense-backend/internal/vector"
)

// Source is the closed set of terminal outcomes for one processed document.
type Source string

const (
	SourceExactMatch   Source = "exact_match"
	SourceSimilarMatch Source = "similar_match"
	SourceGenerated    Source = "generated"
)

const summarySystemPrompt = "You summarize documents. Produce a concise, factual summary of the provided text. Do not invent content that is not present."

const imagePromptDefault = "Describe this image in detail: its contents, any visible text, and its apparent purpose."

// RAGConfig is resolved once at startup and passed in at construction so the
// threshold and enabled flag are testable without touching the process env.
type RAGConfig struct {
	Enabled             bool
	SimilarityThreshold float64
	HighConfidence      float64
	EmbeddingDim        int
	MinEmbedChars       int
	SearchLimit         int
}

func (c RAGConfig) withDefaults() RAGConfig {
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.85
	}
	if c.HighConfidence == 0 {
		c.HighConfidence = vector.DefaultHighConfidence
	}
	if c.MinEmbedChars == 0 {
		c.MinEmbedChars = 16
	}
	if c.SearchLimit == 0 {
		c.SearchLimit = 5
	}
	return c
}

type ProcessInput struct {
	FileBytes     []byte
	Filename      string
	MimeType      string
	ExtractedText string
}

type MatchedDocument struct {
	ID       uuid.UUID `json:"id"`
	Filename string    `json:"filename"`
	Score    float64   `json:"score"`
}

type ProcessOutcome struct {
	Result   string           `json:"result"`
	Source   Source           `json:"source"`
	Degraded bool             `json:"degraded"`
	Matched  *MatchedDocument `json:"matched_document,omitempty"`
}

type SimilarityResult struct {
	DocumentID uuid.UUID `json:"document_id"`
	Filename   string    `json:"filename"`
	Result     string    `json:"result"`
	CreatedAt  time.Time `json:"created_at"`
	Score      float64   `json:"score"`
}

type RAGStatus struct {
	Enabled           bool     `json:"enabled"`
	DocumentCount     int64    `json:"document_count"`
	AverageSimilarity *float64 `json:"average_similarity,omitempty"`
	LastError         string   `json:"last_error,omitempty"`
}

// ResultCache is an optional hot cache of content hash -> result in front of
// the store; entries expire by TTL. Always best effort.
type ResultCache interface {
	GetResult(ctx context.Context, contentHash string) (string, bool)
	SetResult(ctx context.Context, contentHash string, result string)
}

type RAGService interface {
	// Process runs the exact-match / similar-match / generate decision for one
	// uploaded file. Cache-layer failures degrade to generation; only a
	// generation failure is returned as an error.
	Process(ctx context.Context, input ProcessInput) (*ProcessOutcome, error)
	Status(ctx context.Context) (*RAGStatus, error)
	Search(ctx context.Context, queryText string, threshold float64, limit int) ([]SimilarityResult, error)
}

type ragService struct {
	db      *gorm.DB
	log     *logger.Logger
	docRepo repos.DocumentRepo
	ai      OpenAIClient
	cache   ResultCache
	cfg     RAGConfig

	mu        sync.Mutex
	lastError string
}

func NewRAGService(
	db *gorm.DB,
	log *logger.Logger,
	docRepo repos.DocumentRepo,
	ai OpenAIClient,
	cache ResultCache,
	cfg RAGConfig,
) RAGService {
	return &ragService{
		db:      db,
		log:     log.With("service", "RAGService"),
		docRepo: docRepo,
		ai:      ai,
		cache:   cache,
		cfg:     cfg.withDefaults(),
	}
}

func ContentHash(fileBytes []byte) string {
	sum := sha256.Sum256(fileBytes)
	return hex.EncodeToString(sum[:])
}

func (s *ragService) Process(ctx context.Context, input ProcessInput) (*ProcessOutcome, error) {
	hash := ContentHash(input.FileBytes)
	text := CollapseWhitespace(input.ExtractedText)
	log := s.log.With("filename", input.Filename, "content_hash", hash)

	// 1. Exact match. Cheapest possible short circuit; runs before any
	// embedding or generation work.
	if s.cache != nil {
		if cached, ok := s.cache.GetResult(ctx, hash); ok {
			log.Debug("Exact match from hot cache")
			return &ProcessOutcome{Result: cached, Source: SourceExactMatch}, nil
		}
	}

	storageDown := false
	existing, err := s.docRepo.GetByContentHash(ctx, nil, hash)
	if err != nil {
		log.Warn("Hash lookup failed, degrading to generation", "error", err)
		s.recordError(fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
		storageDown = true
	}
	if existing != nil {
		if s.cache != nil {
			s.cache.SetResult(ctx, hash, existing.Result)
		}
		return &ProcessOutcome{Result: existing.Result, Source: SourceExactMatch}, nil
	}

	// 2. Degraded fallback: RAG disabled or store unreachable.
	if !s.cfg.Enabled || storageDown {
		return s.generateAndStore(ctx, log, input, hash, text, nil, nil, true)
	}

	// 3. Embedding. Short or empty text cannot produce a meaningful
	// embedding; skip straight to generation.
	var embedding []float32
	if len(text) >= s.cfg.MinEmbedChars {
		embedding, err = s.embedText(ctx, text)
		if err != nil {
			log.Warn("Embedding unavailable, degrading to generation", "error", err)
			s.recordError(err)
			return s.generateAndStore(ctx, log, input, hash, text, nil, nil, true)
		}
	}
	if embedding == nil {
		return s.generateAndStore(ctx, log, input, hash, text, nil, nil, false)
	}

	// 4. Similarity search over the stored corpus.
	docs, candidates, err := s.loadCandidates(ctx)
	if err != nil {
		log.Warn("Similarity scan unavailable, degrading to generation", "error", err)
		s.recordError(fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
		return s.generateAndStore(ctx, log, input, hash, text, embedding, nil, true)
	}

	index := vector.NewLinearIndex(candidates).WithHighConfidence(s.cfg.HighConfidence)
	results := index.Search(embedding, s.cfg.SimilarityThreshold, 1)

	// 5. Similar match: reuse the matched result, persist a new record that
	// carries its own hash/text/embedding plus a provenance pointer.
	if len(results) > 0 {
		best := results[0]
		matched := docs[best.ID]
		if matched != nil {
			log.Info("Similar match", "matched_document_id", matched.ID, "score", best.Score)
			m := &MatchedDocument{ID: matched.ID, Filename: matched.SourceFilename, Score: best.Score}
			outcome, err := s.storeRecord(ctx, log, input, hash, text, embedding, matched.Result, m)
			if err != nil {
				return nil, err
			}
			if outcome.Source == "" {
				outcome.Source = SourceSimilarMatch
			}
			return outcome, nil
		}
	}

	// 6. No match: generate fresh.
	return s.generateAndStore(ctx, log, input, hash, text, embedding, nil, false)
}

func (s *ragService) Status(ctx context.Context) (*RAGStatus, error) {
	status := &RAGStatus{Enabled: s.cfg.Enabled}

	count, err := s.docRepo.Count(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	status.DocumentCount = count

	avg, err := s.docRepo.AverageMatchedScore(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	status.AverageSimilarity = avg

	s.mu.Lock()
	status.LastError = s.lastError
	s.mu.Unlock()
	return status, nil
}

func (s *ragService) Search(ctx context.Context, queryText string, threshold float64, limit int) ([]SimilarityResult, error) {
	text := CollapseWhitespace(queryText)
	if len(text) < s.cfg.MinEmbedChars {
		return nil, fmt.Errorf("query too short for similarity search (min %d chars)", s.cfg.MinEmbedChars)
	}
	if threshold == 0 {
		threshold = s.cfg.SimilarityThreshold
	}
	if limit <= 0 {
		limit = s.cfg.SearchLimit
	}

	embedding, err := s.embedText(ctx, text)
	if err != nil {
		return nil, err
	}

	docs, candidates, err := s.loadCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	index := vector.NewLinearIndex(candidates).WithHighConfidence(s.cfg.HighConfidence)
	results := index.Search(embedding, threshold, limit)

	out := make([]SimilarityResult, 0, len(results))
	for _, r := range results {
		doc := docs[r.ID]
		if doc == nil {
			continue
		}
		out = append(out, SimilarityResult{
			DocumentID: doc.ID,
			Filename:   doc.SourceFilename,
			Result:     doc.Result,
			CreatedAt:  doc.CreatedAt,
			Score:      r.Score,
		})
	}
	return out, nil
}

// embedText wraps the external capability with shape validation; any failure
// is ErrEmbeddingUnavailable.
func (s *ragService) embedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.ai.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("%w: malformed embedding response", ErrEmbeddingUnavailable)
	}
	if s.cfg.EmbeddingDim > 0 && len(vecs[0]) != s.cfg.EmbeddingDim {
		return nil, fmt.Errorf("%w: dimension mismatch expected=%d got=%d", ErrEmbeddingUnavailable, s.cfg.EmbeddingDim, len(vecs[0]))
	}
	return vecs[0], nil
}

// loadCandidates reads every stored embedding. Records whose embedding cannot
// be decoded are skipped, never fatal to the scan.
func (s *ragService) loadCandidates(ctx context.Context) (map[uuid.UUID]*types.Document, []vector.Candidate, error) {
	rows, err := s.docRepo.ListWithEmbeddings(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	docs := make(map[uuid.UUID]*types.Document, len(rows))
	candidates := make([]vector.Candidate, 0, len(rows))
	for _, doc := range rows {
		vec, decErr := doc.EmbeddingVector()
		if decErr != nil || len(vec) == 0 {
			if decErr != nil {
				s.log.Warn("Skipping undecodable embedding", "document_id", doc.ID, "error", decErr)
			}
			continue
		}
		docs[doc.ID] = doc
		candidates = append(candidates, vector.Candidate{
			ID:        doc.ID,
			Values:    vec,
			CreatedAt: doc.CreatedAt,
		})
	}
	return docs, candidates, nil
}

// generateAndStore invokes the external generator and persists the new record.
// Generation failure is terminal and leaves nothing behind; storage failure
// after a successful generation is a logged warning only.
func (s *ragService) generateAndStore(
	ctx context.Context,
	log *logger.Logger,
	input ProcessInput,
	hash string,
	text string,
	embedding []float32,
	matched *MatchedDocument,
	degraded bool,
) (*ProcessOutcome, error) {
	result, err := s.generate(ctx, input, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	outcome, err := s.storeRecord(ctx, log, input, hash, text, embedding, result, matched)
	if err != nil {
		return nil, err
	}
	if outcome.Source == "" {
		outcome.Source = SourceGenerated
		outcome.Degraded = degraded
	}
	return outcome, nil
}

func (s *ragService) generate(ctx context.Context, input ProcessInput, text string) (string, error) {
	if text == "" && IsImage(input.MimeType, input.FileBytes) {
		return s.ai.DescribeImage(ctx, imagePromptDefault, input.FileBytes, input.MimeType)
	}
	user := text
	if user == "" {
		user = fmt.Sprintf("No text could be extracted from the uploaded file %q (%s, %d bytes). Summarize what can be inferred from this metadata and state that the content was unreadable.", input.Filename, input.MimeType, len(input.FileBytes))
	}
	return s.ai.GenerateText(ctx, summarySystemPrompt, user)
}

// storeRecord inserts the new Document. result is the final text to persist
// (the matched record's result on a similar match, the fresh generation
// otherwise). A duplicate-hash rejection is re-resolved as a late exact match.
func (s *ragService) storeRecord(
	ctx context.Context,
	log *logger.Logger,
	input ProcessInput,
	hash string,
	text string,
	embedding []float32,
	result string,
	matched *MatchedDocument,
) (*ProcessOutcome, error) {
	doc := &types.Document{
		ID:             uuid.New(),
		ContentHash:    hash,
		ExtractedText:  text,
		Result:         result,
		SourceFilename: input.Filename,
		MimeType:       input.MimeType,
		SizeBytes:      int64(len(input.FileBytes)),
		CreatedAt:      time.Now().UTC(),
	}
	if matched != nil {
		id := matched.ID
		score := matched.Score
		doc.MatchedDocumentID = &id
		doc.MatchedScore = &score
	}
	if err := doc.SetEmbeddingVector(embedding, s.cfg.EmbeddingDim); err != nil {
		// dimension drift between embed and store config; persist without
		log.Warn("Dropping embedding on insert", "error", err)
		doc.Embedding = nil
	}

	if _, err := s.docRepo.Create(ctx, nil, doc); err != nil {
		if errors.Is(err, repos.ErrDuplicateHash) {
			// lost the race to an identical upload; return the winner's result
			log.Info("Duplicate hash on insert, re-resolving as exact match")
			winner, lookupErr := s.docRepo.GetByContentHash(ctx, nil, hash)
			if lookupErr == nil && winner != nil {
				if s.cache != nil {
					s.cache.SetResult(ctx, hash, winner.Result)
				}
				return &ProcessOutcome{Result: winner.Result, Source: SourceExactMatch}, nil
			}
			log.Warn("Duplicate hash re-lookup failed, returning local result", "error", lookupErr)
		} else {
			log.Warn("Insert failed after successful generation, result still returned", "error", err)
			s.recordError(fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
		}
	} else if s.cache != nil {
		s.cache.SetResult(ctx, hash, result)
	}

	return &ProcessOutcome{Result: result, Matched: matched}, nil
}

func (s *ragService) recordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastError = strings.TrimSpace(err.Error())
	s.mu.Unlock()
}
