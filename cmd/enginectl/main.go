package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"agent-engine/internal/config"
	"agent-engine/internal/domain"
	"agent-engine/internal/engine"
	"agent-engine/internal/runtime"
	"agent-engine/internal/sandbox"
	"agent-engine/internal/scheduler"
	"agent-engine/internal/store/postgres"
	"agent-engine/internal/validator"
)

var (
	configPath string
	agentType  string
	timeout    time.Duration
	memoryMB   int64
	count      int
	actAs      string
)

func main() {
	root := &cobra.Command{
		Use:   "enginectl",
		Short: "Operator CLI for agent-engine",
	}

	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "Config file path")

	// Validate command
	root.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Check agent code against the configured policy",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	})

	// One-shot sandbox run
	runCmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Validate and execute agent code in a one-shot sandbox",
		Args:  cobra.ExactArgs(1),
		RunE:  runOnce,
	}
	runCmd.Flags().StringVarP(&agentType, "type", "t", "custom", "Agent type (selects the execution profile)")
	runCmd.Flags().DurationVar(&timeout, "timeout", 0, "Wall-clock limit (default from config)")
	runCmd.Flags().Int64Var(&memoryMB, "memory", 0, "Memory limit in MB (default from config)")
	root.AddCommand(runCmd)

	// Schedule helpers
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect and manage agent schedules",
	}

	previewCmd := &cobra.Command{
		Use:   "preview [kind] [expression]",
		Short: "Show upcoming occurrences of a trigger spec",
		Args:  cobra.ExactArgs(2),
		RunE:  runPreview,
	}
	previewCmd.Flags().IntVarP(&count, "count", "n", 5, "Occurrences to show")
	scheduleCmd.AddCommand(previewCmd)

	setCmd := &cobra.Command{
		Use:   "set [agent-id] [kind] [expression]",
		Short: "Create or replace an agent's schedule (requires database.dsn)",
		Args:  cobra.ExactArgs(3),
		RunE:  runScheduleSet,
	}
	setCmd.Flags().StringVar(&actAs, "as", "", "Acting user id (defaults to the agent's owner)")
	scheduleCmd.AddCommand(setCmd)

	root.AddCommand(scheduleCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = "configs/config.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func runValidate(_ *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pol, err := cfg.Policy.Build()
	if err != nil {
		return err
	}

	result, _ := validator.New(pol, nil).Validate(string(code))

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if !result.Allowed() {
		os.Exit(1)
	}
	return nil
}

func runOnce(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	typ := domain.AgentType(agentType)
	if !typ.Valid() {
		return fmt.Errorf("unknown agent type %q", agentType)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pol, err := cfg.Policy.Build()
	if err != nil {
		return err
	}

	// Same gate the engine applies: rejected code never reaches a container.
	if result, _ := validator.New(pol, nil).Validate(string(code)); !result.Allowed() {
		formatted, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(formatted))
		os.Exit(1)
	}

	ctx := cmd.Context()
	backend, err := sandbox.NewBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	profiles := runtime.NewRegistry()
	profiles.OverrideImages(cfg.Sandbox.ImageOverrides)
	profile, err := profiles.ForType(typ)
	if err != nil {
		return err
	}

	limits := sandbox.ResourceLimits{
		WallClock: cfg.Sandbox.DefaultLimits.WallClock,
		CPUShares: cfg.Sandbox.DefaultLimits.CPUShares,
		MemoryMB:  cfg.Sandbox.DefaultLimits.MemoryMB,
		PidsLimit: cfg.Sandbox.DefaultLimits.PidsLimit,
		DiskMB:    cfg.Sandbox.DefaultLimits.DiskMB,
	}
	if timeout > 0 {
		limits.WallClock = timeout
	}
	if memoryMB > 0 {
		limits.MemoryMB = memoryMB
	}

	outcome, err := backend.Run(ctx, sandbox.RunRequest{
		ExecutionID: uuid.New().String(),
		Code:        string(code),
		Profile:     profile,
		Limits:      limits,
	})
	if err != nil {
		return err
	}

	formatted, _ := json.MarshalIndent(outcome, "", "  ")
	fmt.Println(string(formatted))

	// Exit with the sandbox exit code
	if outcome.ExitCode != 0 {
		os.Exit(outcome.ExitCode)
	}
	return nil
}

func runPreview(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	spec := domain.TriggerSpec{Kind: domain.TriggerKind(args[0]), Expression: args[1]}
	trig, err := scheduler.ParseTrigger(spec)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := scheduler.CheckMinInterval(trig, now, cfg.Scheduler.MinInterval); err != nil {
		fmt.Printf("min interval %s: rejected (%v)\n", cfg.Scheduler.MinInterval, err)
	} else {
		fmt.Printf("min interval %s: ok\n", cfg.Scheduler.MinInterval)
	}

	next := now
	for i := 0; i < count; i++ {
		next = trig.Next(next)
		if next.IsZero() {
			fmt.Println("(no further occurrences)")
			break
		}
		fmt.Println(next.Format(time.RFC3339))
	}
	return nil
}

func runScheduleSet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("schedule set requires database.dsn in config")
	}

	ctx := cmd.Context()
	st, err := postgres.New(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	agentID := args[0]
	spec := domain.TriggerSpec{Kind: domain.TriggerKind(args[1]), Expression: args[2]}

	userID := actAs
	if userID == "" {
		agent, err := st.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		userID = agent.OwnerID
	}

	sched := scheduler.New(st, engine.OwnerCapability{}, cfg.Scheduler.MinInterval)
	schedule, err := sched.Upsert(ctx, userID, agentID, spec)
	if err != nil {
		return err
	}

	formatted, _ := json.MarshalIndent(schedule, "", "  ")
	fmt.Println(string(formatted))
	return nil
}
