package brainfill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"brainfill/internal/artifacts"
	"brainfill/internal/brain"
	"brainfill/internal/corrmodel"
	"brainfill/internal/ingest"
	"brainfill/internal/locs"
	"brainfill/internal/model"
	"brainfill/internal/storage"
)

const (
	defaultArtifactsDir      = "reconstructions"
	defaultDBPath            = "brainfill.db"
	defaultEstimateCacheSize = 64 << 20
	defaultWindowEnd         = 10
)

var ErrNotFound = errors.New("brainfill: not found")

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	Logger       *zap.Logger
	// EstimateCacheSize bounds the bytes of cached estimate matrices.
	EstimateCacheSize int64
}

// Client ties a record store, the correlation model and the reconstruction
// artifacts together.
type Client struct {
	store        storage.Store
	artifactsDir string
	log          *zap.Logger
	estimates    *ristretto.Cache

	initMu      sync.Mutex
	initialized bool
}

type ImportRequest struct {
	ID          string
	Name        string
	Timeseries  string
	Locations   string
	Sessions    string
	SampleRates []float64
	Meta        map[string]any
}

type FitRequest struct {
	ID         string
	Name       string
	SubjectIDs []string
	// Template supplies the model locations; nil means the union of the
	// subjects' locations.
	Template          locs.Source
	Width             float64
	KurtosisThreshold *float64
	Meta              map[string]any
}

type UpdateRequest struct {
	ModelID string
	// NewID stores the updated model under a new id; empty replaces ModelID.
	NewID             string
	SubjectIDs        []string
	KurtosisThreshold *float64
	Meta              map[string]any
}

type PredictRequest struct {
	ModelID           string
	SubjectID         string
	NearestNeighbor   bool
	MatchThreshold    string
	ForceUpdate       bool
	KurtosisThreshold *float64
	FillMissing       bool
	Width             float64
	// Start and End select samples [Start, End); End == 0 keeps the rest.
	Start int
	End   int
}

type ReconstructRequest struct {
	SubjectID         string
	ModelID           string
	Width             float64
	KurtosisThreshold *float64
	// Start and End select samples [Start, End); both zero means [0, 10).
	Start           int
	End             int
	NearestNeighbor bool
	MatchThreshold  string
	// Overwrite rewrites an existing reconstruction.
	Overwrite bool
}

type ReconstructStatus string

const (
	StatusWritten      ReconstructStatus = "written"
	StatusExists       ReconstructStatus = "exists"
	StatusInsufficient ReconstructStatus = "insufficient"
)

type ReconstructSummary struct {
	RunID         string
	Directory     string
	Status        ReconstructStatus
	Message       string
	Kind          string
	Reconstructed int
	Observed      int
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cacheSize := opts.EstimateCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultEstimateCacheSize
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		_ = storage.CloseIfSupported(store)
		return nil, fmt.Errorf("estimate cache: %w", err)
	}

	return &Client{
		store:        store,
		artifactsDir: artifactsDir,
		log:          log,
		estimates:    cache,
	}, nil
}

func (c *Client) Close() error {
	c.estimates.Close()
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// ImportSubject loads a recording from CSV files and stores it.
func (c *Client) ImportSubject(ctx context.Context, req ImportRequest) (model.SubjectSummary, error) {
	s, err := ingest.LoadSubject(ingest.SubjectFiles{
		Timeseries:  req.Timeseries,
		Locations:   req.Locations,
		Sessions:    req.Sessions,
		SampleRates: req.SampleRates,
		Meta:        req.Meta,
	})
	if err != nil {
		return model.SubjectSummary{}, err
	}
	return c.SaveSubject(ctx, req.ID, req.Name, s)
}

// SaveSubject stores s under id, generating one when id is empty.
func (c *Client) SaveSubject(ctx context.Context, id, name string, s *brain.Subject) (model.SubjectSummary, error) {
	if err := c.Init(ctx); err != nil {
		return model.SubjectSummary{}, err
	}
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	rec, err := model.FromSubject(id, name, s)
	if err != nil {
		return model.SubjectSummary{}, err
	}
	if err := c.store.SaveSubject(ctx, rec); err != nil {
		return model.SubjectSummary{}, err
	}
	c.log.Info("Saved subject",
		zap.String("subject_id", id),
		zap.Int("channels", s.NumChannels()),
		zap.Int("samples", s.NumSamples()))
	return rec.Summary(), nil
}

func (c *Client) Subject(ctx context.Context, id string) (*brain.Subject, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	rec, ok, err := c.store.GetSubject(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("subject %s: %w", id, ErrNotFound)
	}
	return rec.Decode()
}

func (c *Client) Model(ctx context.Context, id string) (*corrmodel.Model, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	rec, ok, err := c.store.GetModel(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("model %s: %w", id, ErrNotFound)
	}
	return rec.Decode(c.log)
}

func (c *Client) ModelInfo(ctx context.Context, id string) (corrmodel.Info, error) {
	m, err := c.Model(ctx, id)
	if err != nil {
		return corrmodel.Info{}, err
	}
	return m.Info(), nil
}

// FitModel builds a model from stored subjects. Nothing is stored when the
// fit fails.
func (c *Client) FitModel(ctx context.Context, req FitRequest) (model.ModelSummary, error) {
	subjects, err := c.subjects(ctx, req.SubjectIDs)
	if err != nil {
		return model.ModelSummary{}, err
	}
	var reference locs.Set
	if req.Template != nil {
		reference, err = req.Template.Locations()
		if err != nil {
			return model.ModelSummary{}, fmt.Errorf("template: %w", err)
		}
	}

	start := time.Now()
	m, err := corrmodel.Fit(subjects, reference, corrmodel.Config{
		KurtosisThreshold: req.KurtosisThreshold,
		Width:             req.Width,
		Meta:              req.Meta,
		Logger:            c.log,
	})
	if err != nil {
		return model.ModelSummary{}, err
	}
	id := req.ID
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	summary, err := c.saveModel(ctx, id, req.Name, m)
	if err != nil {
		return model.ModelSummary{}, err
	}
	c.log.Info("Fitted model",
		zap.String("model_id", id),
		zap.Int("locations", m.NumLocations()),
		zap.Int("subjects", m.NumSubjects()),
		zap.Duration("elapsed", time.Since(start)))
	return summary, nil
}

// UpdateModel folds more subjects into a stored model.
func (c *Client) UpdateModel(ctx context.Context, req UpdateRequest) (model.ModelSummary, error) {
	rec, ok, err := c.getModelRecord(ctx, req.ModelID)
	if err != nil {
		return model.ModelSummary{}, err
	}
	if !ok {
		return model.ModelSummary{}, fmt.Errorf("model %s: %w", req.ModelID, ErrNotFound)
	}
	current, err := rec.Decode(c.log)
	if err != nil {
		return model.ModelSummary{}, err
	}
	subjects, err := c.subjects(ctx, req.SubjectIDs)
	if err != nil {
		return model.ModelSummary{}, err
	}
	next, err := current.Update(subjects, corrmodel.Config{
		KurtosisThreshold: req.KurtosisThreshold,
		Meta:              req.Meta,
	})
	if err != nil {
		return model.ModelSummary{}, err
	}

	id, name := req.ModelID, rec.Name
	if strings.TrimSpace(req.NewID) != "" {
		id = req.NewID
	}
	summary, err := c.saveModel(ctx, id, name, next)
	if err != nil {
		return model.ModelSummary{}, err
	}
	c.log.Info("Updated model",
		zap.String("model_id", id),
		zap.Int("added", next.NumSubjects()-current.NumSubjects()),
		zap.Int("subjects", next.NumSubjects()))
	return summary, nil
}

// Predict reconstructs one stored subject without writing artifacts.
func (c *Client) Predict(ctx context.Context, req PredictRequest) (*corrmodel.Prediction, error) {
	m, err := c.Model(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	s, err := c.Subject(ctx, req.SubjectID)
	if err != nil {
		return nil, err
	}
	if req.Start != 0 || req.End != 0 {
		end := req.End
		if end == 0 || end > s.NumSamples() {
			end = s.NumSamples()
		}
		if s, err = s.Window(req.Start, end); err != nil {
			return nil, err
		}
	}
	threshold, err := locs.ParseMatchThreshold(req.MatchThreshold)
	if err != nil {
		return nil, err
	}
	return m.Predict(s, corrmodel.PredictOptions{
		NearestNeighbor:   req.NearestNeighbor,
		MatchThreshold:    threshold,
		ForceUpdate:       req.ForceUpdate,
		KurtosisThreshold: req.KurtosisThreshold,
		FillMissing:       req.FillMissing,
		Width:             req.Width,
	})
}

// Reconstruct is the batch driver: it predicts one window of a subject and
// writes the result as an artifact, skipping work already done.
func (c *Client) Reconstruct(ctx context.Context, req ReconstructRequest) (ReconstructSummary, error) {
	if req.Start == 0 && req.End == 0 {
		req.End = defaultWindowEnd
	}
	k := brain.ResolveThreshold(req.KurtosisThreshold)

	m, err := c.Model(ctx, req.ModelID)
	if err != nil {
		return ReconstructSummary{}, err
	}
	width := req.Width
	if width == 0 {
		width = m.Width()
	}
	runID := artifacts.RunID(req.SubjectID, req.ModelID, width, k, req.Start, req.End)
	out := ReconstructSummary{RunID: runID}

	exists, err := artifacts.Exists(c.artifactsDir, runID)
	if err != nil {
		return ReconstructSummary{}, err
	}
	if exists && !req.Overwrite {
		out.Status = StatusExists
		out.Message = "reconstruction exists"
		return out, nil
	}

	s, err := c.Subject(ctx, req.SubjectID)
	if err != nil {
		return ReconstructSummary{}, err
	}
	if _, _, err := s.Filter(k); err != nil {
		if !errors.Is(err, brain.ErrInsufficientChannels) {
			return ReconstructSummary{}, err
		}
		out.Status = StatusInsufficient
		out.Message = fmt.Sprintf("not enough electrodes pass k = %g", k)
		c.log.Info("Skipping reconstruction", zap.String("run_id", runID), zap.Error(err))
		return out, nil
	}

	end := req.End
	if end > s.NumSamples() {
		end = s.NumSamples()
	}
	window, err := s.Window(req.Start, end)
	if err != nil {
		return ReconstructSummary{}, err
	}
	threshold, err := locs.ParseMatchThreshold(req.MatchThreshold)
	if err != nil {
		return ReconstructSummary{}, err
	}
	pred, err := m.Predict(window, corrmodel.PredictOptions{
		NearestNeighbor:   req.NearestNeighbor,
		MatchThreshold:    threshold,
		KurtosisThreshold: brain.Threshold(k),
		FillMissing:       true,
		Width:             width,
	})
	if err != nil {
		return ReconstructSummary{}, err
	}

	labels := make([]string, 0, pred.Subject.NumChannels())
	for _, l := range pred.Subject.Labels() {
		labels = append(labels, string(l))
	}
	dir, err := artifacts.WriteReconstruction(c.artifactsDir, artifacts.Reconstruction{
		Config: artifacts.ReconstructionConfig{
			RunID:             runID,
			SubjectID:         req.SubjectID,
			ModelID:           req.ModelID,
			Width:             width,
			KurtosisThreshold: k,
			Start:             req.Start,
			End:               req.End,
			NearestNeighbor:   req.NearestNeighbor,
			MatchThreshold:    req.MatchThreshold,
			FillMissing:       true,
		},
		Kind:   pred.Kind.String(),
		Labels: labels,
		Locations: artifacts.Locations{
			Output:    pred.Subject.Locations().Coords(),
			Reference: m.Locations().Coords(),
		},
		Timeseries: pred.Subject.Data(),
	})
	if err != nil {
		return ReconstructSummary{}, err
	}
	if err := artifacts.AppendRunIndex(c.artifactsDir, artifacts.RunIndexEntry{
		RunID:         runID,
		SubjectID:     req.SubjectID,
		ModelID:       req.ModelID,
		Kind:          pred.Kind.String(),
		Reconstructed: pred.NumReconstructed,
		Observed:      pred.NumObserved,
		Width:         width,
		Kurtosis:      k,
		CreatedAtUTC:  time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return ReconstructSummary{}, err
	}

	out.Status = StatusWritten
	out.Directory = dir
	out.Kind = pred.Kind.String()
	out.Reconstructed = pred.NumReconstructed
	out.Observed = pred.NumObserved
	c.log.Info("Wrote reconstruction",
		zap.String("run_id", runID),
		zap.Stringer("alignment", pred.Kind),
		zap.Int("reconstructed", pred.NumReconstructed),
		zap.Int("observed", pred.NumObserved))
	return out, nil
}

// Estimate returns the model's r-space correlation estimate. Results are
// cached per model id and dropped whenever the model is saved.
func (c *Client) Estimate(ctx context.Context, modelID string) (*mat.Dense, error) {
	if cached, ok := c.estimates.Get(modelID); ok {
		if est, ok := cached.(*mat.Dense); ok {
			return mat.DenseCopyOf(est), nil
		}
	}
	m, err := c.Model(ctx, modelID)
	if err != nil {
		return nil, err
	}
	est, err := m.Estimate()
	if err != nil {
		return nil, err
	}
	n, _ := est.Dims()
	c.estimates.Set(modelID, mat.DenseCopyOf(est), int64(n*n*8))
	c.estimates.Wait()
	return est, nil
}

func (c *Client) Models(ctx context.Context) ([]model.ModelSummary, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	return c.store.ListModels(ctx)
}

func (c *Client) Subjects(ctx context.Context) ([]model.SubjectSummary, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	return c.store.ListSubjects(ctx)
}

// Runs lists written reconstructions, newest first.
func (c *Client) Runs(_ context.Context, limit int) ([]artifacts.RunIndexEntry, error) {
	entries, err := artifacts.ListRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (c *Client) DeleteModel(ctx context.Context, id string) error {
	if err := c.Init(ctx); err != nil {
		return err
	}
	c.estimates.Del(id)
	return c.store.DeleteModel(ctx, id)
}

func (c *Client) saveModel(ctx context.Context, id, name string, m *corrmodel.Model) (model.ModelSummary, error) {
	rec, err := model.FromCorrelationModel(id, name, m)
	if err != nil {
		return model.ModelSummary{}, err
	}
	if err := c.store.SaveModel(ctx, rec); err != nil {
		return model.ModelSummary{}, err
	}
	c.estimates.Del(id)
	return rec.Summary(), nil
}

func (c *Client) getModelRecord(ctx context.Context, id string) (model.CorrelationModel, bool, error) {
	if err := c.Init(ctx); err != nil {
		return model.CorrelationModel{}, false, err
	}
	return c.store.GetModel(ctx, id)
}

func (c *Client) subjects(ctx context.Context, ids []string) ([]*brain.Subject, error) {
	if len(ids) == 0 {
		return nil, corrmodel.ErrNoSubjects
	}
	out := make([]*brain.Subject, 0, len(ids))
	for _, id := range ids {
		s, err := c.Subject(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
