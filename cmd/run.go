package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/sourcing-cli/internal/events"
	"github.com/sells-group/sourcing-cli/internal/model"
)

var (
	runRequest      string
	runItem         string
	runQuantity     int
	runUnit         string
	runDeadline     string
	runQuality      string
	runLocation     string
	runMaxUnitPrice float64
	runNotes        string
	runVendorsCSV   string
	runNoStart      bool
	runTail         bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create a sourcing run and start the round-1 fan-out",
	Long: `Creates a run from the parsed request spec, seeds its counterparties from
a vendor CSV, and dispatches the round-1 calls. Completions arrive through the
webhook server (see "serve"); this command returns once the fan-out is done,
or with --tail follows progress events until the run settles. --tail shows
this process's events only: with a separate serve process handling the
webhooks, follow the run there via GET /runs/{id}/events instead.

The vendor file is CSV (header row with at least "name"; "phone", "email",
"url", and "source" are picked up when present) or, with a .yaml/.yml
extension, a YAML list of counterparty objects.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initCampaign(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		cps, err := parseVendorFile(runVendorsCSV)
		if err != nil {
			return eris.Wrap(err, "run: parse vendors")
		}
		if len(cps) == 0 {
			return eris.New("run: vendor file has no rows")
		}

		spec := model.RequestSpec{
			Item:       runItem,
			Quantity:   runQuantity,
			Unit:       runUnit,
			Deadline:   runDeadline,
			Quality:    runQuality,
			Location:   runLocation,
			MaxUnitUSD: runMaxUnitPrice,
			Notes:      runNotes,
		}
		requestText := runRequest
		if requestText == "" {
			requestText = spec.Item
		}

		run, err := env.Store.CreateRun(ctx, requestText, spec)
		if err != nil {
			return eris.Wrap(err, "run: create run")
		}
		for i := range cps {
			cps[i].RunID = run.ID
		}
		if err := env.Store.CreateCounterparties(ctx, cps); err != nil {
			return eris.Wrap(err, "run: seed counterparties")
		}

		zap.L().Info("run created",
			zap.String("run_id", run.ID),
			zap.String("item", spec.Item),
			zap.Int("counterparties", len(cps)),
		)

		if !runNoStart {
			var ch <-chan events.Event
			var cancel func()
			if runTail {
				// Subscribe before dialing so the first stage events are not missed.
				ch, cancel = env.Events.Subscribe(run.ID)
				defer cancel()
			}
			if err := env.Engine.StartRun(ctx, run.ID); err != nil {
				return eris.Wrap(err, "run: start")
			}
			if runTail {
				tailEvents(ctx, os.Stderr, ch)
			}
		}

		run, err = env.Store.GetRun(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "run: reload")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	runCmd.Flags().StringVar(&runRequest, "request", "", "original request text")
	runCmd.Flags().StringVar(&runItem, "item", "", "item to source (required)")
	runCmd.Flags().IntVar(&runQuantity, "quantity", 0, "quantity to source (required)")
	runCmd.Flags().StringVar(&runUnit, "unit", "", "unit of measure")
	runCmd.Flags().StringVar(&runDeadline, "deadline", "", "delivery deadline")
	runCmd.Flags().StringVar(&runQuality, "quality", "", "quality requirements")
	runCmd.Flags().StringVar(&runLocation, "location", "", "delivery location")
	runCmd.Flags().Float64Var(&runMaxUnitPrice, "max-unit-price", 0, "ceiling unit price in USD")
	runCmd.Flags().StringVar(&runNotes, "notes", "", "free-form notes for the negotiation context")
	runCmd.Flags().StringVar(&runVendorsCSV, "vendors", "", "path to vendor CSV or YAML file (required)")
	runCmd.Flags().BoolVar(&runNoStart, "no-start", false, "create the run without dialing")
	runCmd.Flags().BoolVar(&runTail, "tail", false, "follow campaign events until the run settles (in-process events only; completions delivered to a separate serve process are not shown)")
	_ = runCmd.MarkFlagRequired("item")
	_ = runCmd.MarkFlagRequired("quantity")
	_ = runCmd.MarkFlagRequired("vendors")
	rootCmd.AddCommand(runCmd)
}

// tailEvents prints campaign events until the run reaches a resting state:
// complete, failed, or awaiting the winner's invoice reply. It only sees
// events published by this process's engine; when completions are delivered
// to a separate serve process, progress past round 1 happens there and the
// tail settles through this process's watchdog instead.
func tailEvents(ctx context.Context, w io.Writer, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			line := ev.Type
			if ev.Stage != "" {
				line += " [" + ev.Stage + "]"
			}
			fmt.Fprintf(w, "%s %s %s\n", ev.At.Format(time.TimeOnly), line, ev.Message)
			stage := model.RunStatus(ev.Stage)
			if stage.Terminal() || stage == model.RunStatusAwaitingInvoice {
				return
			}
		}
	}
}

// parseVendorFile reads counterparties from a CSV (header row, free column
// order) or, for .yaml/.yml files, a YAML list of counterparty objects.
func parseVendorFile(path string) ([]model.Counterparty, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open vendor file")
	}
	defer f.Close() //nolint:errcheck

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return readVendorYAML(f)
	default:
		return readVendorCSV(f)
	}
}

func readVendorYAML(r io.Reader) ([]model.Counterparty, error) {
	var cps []model.Counterparty
	if err := yaml.NewDecoder(r).Decode(&cps); err != nil {
		return nil, eris.Wrap(err, "decode vendor yaml")
	}
	out := cps[:0]
	for _, cp := range cps {
		if cp.Name == "" {
			continue
		}
		if cp.Source == "" {
			cp.Source = "yaml"
		}
		out = append(out, cp)
	}
	return out, nil
}

func readVendorCSV(r io.Reader) ([]model.Counterparty, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, eris.Wrap(err, "read csv header")
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["name"]; !ok {
		return nil, eris.New("vendor csv needs a name column")
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var cps []model.Counterparty
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "read csv row")
		}
		cp := model.Counterparty{
			Name:   field(row, "name"),
			Phone:  field(row, "phone"),
			Email:  field(row, "email"),
			URL:    field(row, "url"),
			Source: field(row, "source"),
		}
		if cp.Name == "" {
			continue
		}
		if cp.Source == "" {
			cp.Source = "csv"
		}
		cps = append(cps, cp)
	}
	return cps, nil
}
