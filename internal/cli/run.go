package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/harun/swarm/internal/config"
	"github.com/harun/swarm/internal/metrics"
	"github.com/harun/swarm/internal/observability"
	"github.com/harun/swarm/internal/tracing"
	"github.com/harun/swarm/pkg/orchestrator"
	"github.com/harun/swarm/pkg/state"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gopkg.in/yaml.v3"
)

var (
	runPattern     string
	runAgents      int
	runInput       string
	runOutput      string
	runEvery       string
	runRequireCaps []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a task across a set of demo agents",
	Long: `Run builds an orchestrator with a set of demo agents, executes one task
under the chosen collaboration pattern and prints the response.

With --every the task is scheduled instead and runs on each tick until
the process is interrupted.`,
	Example: `  swarm run --pattern consensus --agents 5 --input '"ship it"'
  swarm run --pattern hierarchical --input '[1,2,3,4]' --output yaml
  swarm run --pattern parallel --every "@every 10s"`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runPattern, "pattern", "p", "", "collaboration pattern (default from config)")
	runCmd.Flags().IntVarP(&runAgents, "agents", "n", 3, "number of demo agents")
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "task input, parsed as JSON when possible")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "json", "output format (json, yaml)")
	runCmd.Flags().StringVar(&runEvery, "every", "", "cron spec to run the task on a schedule")
	runCmd.Flags().StringSliceVar(&runRequireCaps, "require", nil, "capabilities an agent must have to take the task")

	rootCmd.AddCommand(runCmd)
}

// runResult is what the run command prints
type runResult struct {
	Response     orchestrator.TaskResponse `json:"response" yaml:"response"`
	StateVersion uint64                    `json:"state_version" yaml:"state_version"`
	State        map[string]interface{}    `json:"state" yaml:"state"`
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if runOutput != "json" && runOutput != "yaml" {
		return fmt.Errorf("invalid output format: %s (must be json or yaml)", runOutput)
	}

	patternName := runPattern
	if patternName == "" {
		patternName = cfg.Orchestrator.DefaultPattern
	}
	pattern, err := orchestrator.ParsePattern(patternName)
	if err != nil {
		return err
	}

	if runAgents < 1 {
		return fmt.Errorf("at least one agent is required, got %d", runAgents)
	}

	log, err := newLogger(cfg, cmd)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracing.ShutdownOpenTelemetry(shutdownCtx)
		}()
	}

	m := metrics.NewMetrics()
	if cfg.Metrics.Enabled {
		shutdown := serveMetrics(cfg.Metrics.Listen, m, log.Component("metrics"))
		defer shutdown()
	}

	o := newOrchestrator(cfg, m, log.GetZerolog())
	if cfg.Logging.AuditFile != "" {
		audit, err := observability.OpenAuditLog(cfg.Logging.AuditFile)
		if err != nil {
			return err
		}
		defer audit.Close()
		defer audit.Attach(o)()
	}

	for _, agent := range demoAgents(runAgents, pattern) {
		if _, err := o.RegisterAgent(agent); err != nil {
			return err
		}
	}
	if err := o.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = o.Stop(stopCtx)
	}()

	req := orchestrator.TaskRequest{
		Description: "demo task",
		Input:       parseInput(runInput),
	}
	if len(runRequireCaps) > 0 {
		req.Constraints = &orchestrator.TaskConstraints{RequiredCapabilities: runRequireCaps}
	}

	if runEvery != "" {
		id, err := o.ScheduleTask(runEvery, req, pattern)
		if err != nil {
			return err
		}
		log.Info().Str("schedule_id", id).Str("spec", runEvery).Msg("Task scheduled, waiting for interrupt")
		<-ctx.Done()
		return writeResult(cmd.OutOrStdout(), runOutput, snapshotResult(o, orchestrator.TaskResponse{TaskID: id}))
	}

	resp, err := o.ExecuteTask(ctx, req, pattern)
	if err != nil {
		return err
	}

	if err := writeResult(cmd.OutOrStdout(), runOutput, snapshotResult(o, resp)); err != nil {
		return err
	}

	if resp.Status == orchestrator.StatusFailure {
		return fmt.Errorf("task %s failed: %s", resp.TaskID, resp.Error)
	}
	return nil
}

func newOrchestrator(cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) *orchestrator.Orchestrator {
	store := state.New(state.Config{
		HistorySize:        cfg.State.HistorySize,
		DefaultLockTimeout: cfg.State.DefaultLockTimeout,
		Logger:             logger,
		Metrics:            m,
	})

	return orchestrator.New(
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(m),
		orchestrator.WithStore(store),
		orchestrator.WithMaxConcurrent(cfg.Orchestrator.MaxConcurrent),
		orchestrator.WithMailboxSize(cfg.Orchestrator.MailboxSize),
		orchestrator.WithHeartbeatInterval(cfg.Orchestrator.HeartbeatInterval),
	)
}

func snapshotResult(o *orchestrator.Orchestrator, resp orchestrator.TaskResponse) runResult {
	snapshot := o.GetState()
	return runResult{
		Response:     resp,
		StateVersion: snapshot.Version,
		State:        snapshot.Data,
	}
}

// parseInput decodes JSON input and falls back to the raw string
func parseInput(raw string) interface{} {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func writeResult(w io.Writer, format string, result runResult) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		return nil
	}
}

// serveMetrics exposes the Prometheus registry until the returned func is called
func serveMetrics(addr string, m *metrics.Metrics, logger zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", otelhttp.NewHandler(m.Handler(), "metrics"))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
