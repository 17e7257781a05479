package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"brainfill/internal/artifacts"
	"brainfill/internal/brain"
	"brainfill/internal/ingest"
	"brainfill/internal/locs"
	"brainfill/pkg/brainfill"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "import":
		return runImport(ctx, args[1:])
	case "fit":
		return runFit(ctx, args[1:])
	case "update":
		return runUpdate(ctx, args[1:])
	case "predict":
		return runPredict(ctx, args[1:])
	case "recon":
		return runRecon(ctx, args[1:])
	case "models":
		return runModels(ctx, args[1:])
	case "subjects":
		return runSubjects(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "info":
		return runInfo(ctx, args[1:])
	case "estimate":
		return runEstimate(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// withClient opens a client for one command and always closes it.
func withClient(common *commonFlags, fn func(*brainfill.Client, *zap.Logger) error) error {
	client, logger, err := newClient(common)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
		_ = logger.Sync()
	}()
	return fn(client, logger)
}

func runImport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	common := registerCommon(fs)
	id := fs.String("id", "", "subject id; generated when empty")
	name := fs.String("name", "", "display name")
	timeseries := fs.String("timeseries", "", "samples x channels CSV")
	locations := fs.String("locations", "", "x,y,z per channel CSV")
	sessions := fs.String("sessions", "", "optional session id per sample CSV")
	rates := fs.String("sample-rates", "", "comma-separated sample rate per session")
	if err := parse(fs, args, common, nil); err != nil {
		return err
	}
	sampleRates, err := parseFloats(*rates)
	if err != nil {
		return err
	}

	return withClient(common, func(client *brainfill.Client, _ *zap.Logger) error {
		summary, err := client.ImportSubject(ctx, brainfill.ImportRequest{
			ID:          *id,
			Name:        *name,
			Timeseries:  *timeseries,
			Locations:   *locations,
			Sessions:    *sessions,
			SampleRates: sampleRates,
		})
		if err != nil {
			return err
		}
		fmt.Printf("imported subject_id=%s channels=%d samples=%d sessions=%d\n",
			summary.ID, summary.Channels, summary.Samples, summary.Sessions)
		return nil
	})
}

func runFit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fit", flag.ContinueOnError)
	common := registerCommon(fs)
	model := registerModel(fs)
	id := fs.String("id", "", "model id; generated when empty")
	name := fs.String("name", "", "display name")
	subjects := fs.String("subjects", "", "comma-separated subject ids")
	template := fs.String("template", "", "optional x,y,z CSV of model locations")
	gridStep := fs.Float64("grid-step", 0, "build a lattice template with this spacing")
	gridMin := fs.String("grid-min", "", "lattice lower corner x,y,z")
	gridMax := fs.String("grid-max", "", "lattice upper corner x,y,z")
	if err := parse(fs, args, common, model); err != nil {
		return err
	}

	source, err := templateSource(*template, *gridStep, *gridMin, *gridMax)
	if err != nil {
		return err
	}
	return withClient(common, func(client *brainfill.Client, _ *zap.Logger) error {
		summary, err := client.FitModel(ctx, brainfill.FitRequest{
			ID:                *id,
			Name:              *name,
			SubjectIDs:        splitIDs(*subjects),
			Template:          source,
			Width:             *model.width,
			KurtosisThreshold: brain.Threshold(*model.kurtosis),
		})
		if err != nil {
			return err
		}
		fmt.Printf("fitted model_id=%s locations=%d subjects=%d width=%g\n",
			summary.ID, summary.Locations, summary.Subjects, summary.Width)
		return nil
	})
}

func runUpdate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	common := registerCommon(fs)
	model := registerModel(fs)
	modelID := fs.String("model", "", "model id")
	newID := fs.String("new-id", "", "store the updated model under this id")
	subjects := fs.String("subjects", "", "comma-separated subject ids")
	if err := parse(fs, args, common, model); err != nil {
		return err
	}
	if *modelID == "" {
		return errors.New("update requires --model")
	}

	return withClient(common, func(client *brainfill.Client, _ *zap.Logger) error {
		summary, err := client.UpdateModel(ctx, brainfill.UpdateRequest{
			ModelID:           *modelID,
			NewID:             *newID,
			SubjectIDs:        splitIDs(*subjects),
			KurtosisThreshold: brain.Threshold(*model.kurtosis),
		})
		if err != nil {
			return err
		}
		fmt.Printf("updated model_id=%s locations=%d subjects=%d\n",
			summary.ID, summary.Locations, summary.Subjects)
		return nil
	})
}

func runPredict(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	common := registerCommon(fs)
	model := registerModel(fs)
	modelID := fs.String("model", "", "model id")
	subjectID := fs.String("subject", "", "subject id")
	forceUpdate := fs.Bool("force-update", false, "fold the subject into a private copy of the model first")
	fillMissing := fs.Bool("fill-missing", false, "treat correlations the model never informed as 1")
	start := fs.Int("start", 0, "first sample")
	end := fs.Int("end", 0, "end sample (exclusive); 0 keeps the rest")
	out := fs.String("out", "", "write the predicted timeseries CSV here")
	if err := parse(fs, args, common, model); err != nil {
		return err
	}
	if *modelID == "" || *subjectID == "" {
		return errors.New("predict requires --model and --subject")
	}

	return withClient(common, func(client *brainfill.Client, _ *zap.Logger) error {
		pred, err := client.Predict(ctx, brainfill.PredictRequest{
			ModelID:           *modelID,
			SubjectID:         *subjectID,
			NearestNeighbor:   *model.nearest,
			MatchThreshold:    *model.matchThreshold,
			ForceUpdate:       *forceUpdate,
			KurtosisThreshold: brain.Threshold(*model.kurtosis),
			FillMissing:       *fillMissing,
			Width:             *model.width,
			Start:             *start,
			End:               *end,
		})
		if err != nil {
			return err
		}
		if *out != "" {
			f, err := os.Create(*out)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := artifacts.WriteMatrixCSV(f, pred.Subject.Data()); err != nil {
				return err
			}
		}
		fmt.Printf("predicted alignment=%s reconstructed=%d observed=%d samples=%d\n",
			pred.Kind, pred.NumReconstructed, pred.NumObserved, pred.Subject.NumSamples())
		return nil
	})
}

func runRecon(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("recon", flag.ContinueOnError)
	common := registerCommon(fs)
	model := registerModel(fs)
	modelID := fs.String("model", "", "model id")
	subjectID := fs.String("subject", "", "subject id")
	start := fs.Int("start", 0, "first sample")
	end := fs.Int("end", 10, "end sample (exclusive)")
	overwrite := fs.Bool("overwrite", false, "rewrite an existing reconstruction")
	if err := parse(fs, args, common, model); err != nil {
		return err
	}
	if *modelID == "" || *subjectID == "" {
		return errors.New("recon requires --model and --subject")
	}

	return withClient(common, func(client *brainfill.Client, _ *zap.Logger) error {
		summary, err := client.Reconstruct(ctx, brainfill.ReconstructRequest{
			SubjectID:         *subjectID,
			ModelID:           *modelID,
			Width:             *model.width,
			KurtosisThreshold: brain.Threshold(*model.kurtosis),
			Start:             *start,
			End:               *end,
			NearestNeighbor:   *model.nearest,
			MatchThreshold:    *model.matchThreshold,
			Overwrite:         *overwrite,
		})
		if err != nil {
			return err
		}
		if summary.Status != brainfill.StatusWritten {
			fmt.Println(summary.Message)
			return nil
		}
		fmt.Printf("reconstructed run_id=%s alignment=%s reconstructed=%d observed=%d dir=%s\n",
			summary.RunID, summary.Kind, summary.Reconstructed, summary.Observed, summary.Directory)
		return nil
	})
}

func runModels(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("models", flag.ContinueOnError)
	common := registerCommon(fs)
	jsonOut := fs.Bool("json", false, "emit models as JSON")
	if err := parse(fs, args, common, nil); err != nil {
		return err
	}

	return withClient(common, func(client *brainfill.Client, _ *zap.Logger) error {
		models, err := client.Models(ctx)
		if err != nil {
			return err
		}
		if *jsonOut {
			return writeJSON(models)
		}
		if len(models) == 0 {
			fmt.Println("no models found")
			return nil
		}
		for _, m := range models {
			fmt.Printf("model_id=%s name=%s locations=%s subjects=%d width=%g created=%s\n",
				m.ID, m.Name, humanize.Comma(int64(m.Locations)), m.Subjects, m.Width, humanize.Time(m.CreatedAt))
		}
		return nil
	})
}

func runSubjects(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("subjects", flag.ContinueOnError)
	common := registerCommon(fs)
	jsonOut := fs.Bool("json", false, "emit subjects as JSON")
	if err := parse(fs, args, common, nil); err != nil {
		return err
	}

	return withClient(common, func(client *brainfill.Client, _ *zap.Logger) error {
		subjects, err := client.Subjects(ctx)
		if err != nil {
			return err
		}
		if *jsonOut {
			return writeJSON(subjects)
		}
		if len(subjects) == 0 {
			fmt.Println("no subjects found")
			return nil
		}
		for _, s := range subjects {
			fmt.Printf("subject_id=%s name=%s channels=%d samples=%s sessions=%d created=%s\n",
				s.ID, s.Name, s.Channels, humanize.Comma(int64(s.Samples)), s.Sessions, humanize.Time(s.CreatedAt))
		}
		return nil
	})
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	common := registerCommon(fs)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs as JSON")
	if err := parse(fs, args, common, nil); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	return withClient(common, func(client *brainfill.Client, _ *zap.Logger) error {
		runs, err := client.Runs(ctx, *limit)
		if err != nil {
			return err
		}
		if *jsonOut {
			return writeJSON(runs)
		}
		if len(runs) == 0 {
			fmt.Println("no runs found")
			return nil
		}
		for _, r := range runs {
			created := r.CreatedAtUTC
			if t, err := time.Parse(time.RFC3339Nano, r.CreatedAtUTC); err == nil {
				created = humanize.Time(t)
			}
			fmt.Printf("run_id=%s subject_id=%s model_id=%s alignment=%s reconstructed=%d observed=%d created=%s\n",
				r.RunID, r.SubjectID, r.ModelID, r.Kind, r.Reconstructed, r.Observed, created)
		}
		return nil
	})
}

func runInfo(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	common := registerCommon(fs)
	modelID := fs.String("model", "", "model id")
	subjectID := fs.String("subject", "", "subject id")
	jsonOut := fs.Bool("json", false, "emit info as JSON")
	if err := parse(fs, args, common, nil); err != nil {
		return err
	}
	if (*modelID == "") == (*subjectID == "") {
		return errors.New("info requires exactly one of --model or --subject")
	}

	return withClient(common, func(client *brainfill.Client, _ *zap.Logger) error {
		if *modelID != "" {
			info, err := client.ModelInfo(ctx, *modelID)
			if err != nil {
				return err
			}
			if *jsonOut {
				return writeJSON(info)
			}
			fmt.Printf("model_id=%s locations=%d subjects=%d width=%g coverage=%.3f created=%s\n",
				*modelID, info.Locations, info.Subjects, info.Width, info.Coverage, info.CreatedAt.Format(time.RFC3339))
			return nil
		}

		s, err := client.Subject(ctx, *subjectID)
		if err != nil {
			return err
		}
		info := s.Info()
		if *jsonOut {
			return writeJSON(info)
		}
		fmt.Printf("subject_id=%s channels=%d samples=%s sessions=%d seconds=%.3f created=%s\n",
			*subjectID, info.Channels, humanize.Comma(int64(info.Samples)), info.Sessions, info.Seconds, info.CreatedAt.Format(time.RFC3339))
		return nil
	})
}

func runEstimate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("estimate", flag.ContinueOnError)
	common := registerCommon(fs)
	modelID := fs.String("model", "", "model id")
	out := fs.String("out", "", "CSV path; stdout when empty")
	if err := parse(fs, args, common, nil); err != nil {
		return err
	}
	if *modelID == "" {
		return errors.New("estimate requires --model")
	}

	return withClient(common, func(client *brainfill.Client, _ *zap.Logger) error {
		est, err := client.Estimate(ctx, *modelID)
		if err != nil {
			return err
		}
		if *out == "" {
			return artifacts.WriteMatrixCSV(os.Stdout, est)
		}
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		return artifacts.WriteMatrixCSV(f, est)
	})
}

func templateSource(path string, step float64, minRaw, maxRaw string) (locs.Source, error) {
	switch {
	case path != "" && step > 0:
		return nil, errors.New("use either --template or --grid-step")
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		set, err := ingest.ReadLocations(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return locs.Static(set), nil
	case step > 0:
		lo, err := parsePoint(minRaw)
		if err != nil {
			return nil, fmt.Errorf("--grid-min: %w", err)
		}
		hi, err := parsePoint(maxRaw)
		if err != nil {
			return nil, fmt.Errorf("--grid-max: %w", err)
		}
		return locs.Grid{Min: lo, Max: hi, Step: step}, nil
	}
	return nil, nil
}

func parsePoint(raw string) (locs.Location, error) {
	v, err := parseFloats(raw)
	if err != nil {
		return locs.Location{}, err
	}
	if len(v) != 3 {
		return locs.Location{}, fmt.Errorf("want x,y,z, got %q", raw)
	}
	return locs.Location{X: v[0], Y: v[1], Z: v[2]}, nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: brainfillctl <import|fit|update|predict|recon|models|subjects|runs|info|estimate> [flags]", msg)
}
