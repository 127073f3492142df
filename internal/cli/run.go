package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/utils"
)

var (
	runStrategy  string
	runNeighbors int
	runOutput    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run full resolution once and print the summary",
	Long: `Run scores every candidate pair of the active population, clusters the
links and stores them as a new dedupe run. The summary is printed as JSON
or YAML.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if runOutput != "json" && runOutput != "yaml" {
			return fmt.Errorf("unsupported output format %q", runOutput)
		}

		req, err := utils.Validate(models.RunRequest{
			Strategy:  models.BlockingStrategy(runStrategy),
			Neighbors: runNeighbors,
		})
		if err != nil {
			return err
		}

		summary, err := runOnce(ctx, req)
		if err != nil {
			return err
		}

		return printSummary(cmd.OutOrStdout(), runOutput, summary)
	},
}

func init() {
	runCmd.Flags().StringVar(&runStrategy, "strategy", "", "blocking strategy: key or embedding (default from config)")
	runCmd.Flags().IntVar(&runNeighbors, "k", 0, "neighbors per record for the embedding strategy")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "json", "summary format: json or yaml")
}

func runOnce(ctx context.Context, req models.RunRequest) (*models.RunSummary, error) {
	a, err := newApp(cfg, appOptions{publish: true})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := a.close(context.WithoutCancel(ctx)); err != nil {
			a.logger.WithError(err).Error("Failed to stop dependencies")
		}
	}()

	if err := a.start(ctx); err != nil {
		return nil, err
	}
	svc, err := a.services()
	if err != nil {
		return nil, err
	}
	return svc.dedupe.Run(ctx, req)
}

func printSummary(w io.Writer, format string, summary *models.RunSummary) error {
	if format == "yaml" {
		// yaml keys follow the json tags
		raw, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
