package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"qi-agent/core/internal/llm"
	"qi-agent/core/internal/utils"
	"qi-agent/core/pkg/agent/roster"
	"qi-agent/core/pkg/audit"
	"qi-agent/core/pkg/config"
	"qi-agent/core/pkg/httpcache"
	"qi-agent/core/pkg/logger"
	"qi-agent/core/pkg/orchestrator"
	"qi-agent/core/pkg/resilience"
	"qi-agent/core/pkg/store"
	"qi-agent/core/pkg/tools"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive research session",
	Long: `Starts the interactive assistant. Activate a project with --project or
the /use command; search results, drafts and milestones are saved to the
active project's database.

In-session commands:
  /projects        list projects
  /new <name>      create a project
  /use <name>      activate a project
  /exit            quit`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().String("project", "", "project to activate on start")
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.CreateLogger(cfg.LogFile, cfg.LogLevel, cfg.LogFormat, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	session, err := buildSession(cfg, log)
	if err != nil {
		return err
	}
	defer session.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if project, _ := cmd.Flags().GetString("project"); project != "" {
		if err := session.assistant.ActivateProject(ctx, project); err != nil {
			return err
		}
		fmt.Printf("Active project: %s\n", project)
	} else {
		fmt.Println("No project active; use /use <name> to save your work to a project.")
	}

	fmt.Println("Ask a research question, or /exit to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if done := session.handleCommand(ctx, line); done {
				break
			}
			continue
		}

		result, err := session.assistant.HandleUtterance(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Printf("Something went wrong: %v\n", err)
			continue
		}
		fmt.Println()
		fmt.Println(result.ReplyText)
		if len(result.Suggestions) > 0 {
			fmt.Println("\nYou could try next:")
			for _, s := range result.Suggestions {
				fmt.Printf("  - %s\n", s)
			}
		}
		fmt.Println()
	}
	return scanner.Err()
}

// chatSession bundles everything a REPL run owns and must tear down.
type chatSession struct {
	assistant *orchestrator.Assistant
	manager   *store.Manager
	cache     *httpcache.Client
	audit     *audit.Logger
}

func (s *chatSession) close() {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.manager != nil {
		_ = s.manager.Close()
	}
	if s.audit != nil {
		_ = s.audit.Close()
	}
}

func (s *chatSession) handleCommand(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/exit", "/quit":
		return true
	case "/projects":
		infos, err := s.manager.ListProjects()
		if err != nil {
			fmt.Printf("Could not list projects: %v\n", err)
			return false
		}
		if len(infos) == 0 {
			fmt.Println("No projects yet; create one with /new <name>.")
			return false
		}
		for _, info := range infos {
			marker := " "
			if info.Archived {
				marker = "a"
			}
			fmt.Printf("  [%s] %s\n", marker, info.Name)
		}
	case "/new":
		if len(fields) < 2 {
			fmt.Println("Usage: /new <name>")
			return false
		}
		name := strings.Join(fields[1:], " ")
		if _, err := s.manager.CreateProject(name); err != nil {
			fmt.Printf("Could not create project: %v\n", err)
			return false
		}
		fmt.Printf("Created project %q.\n", name)
	case "/use":
		if len(fields) < 2 {
			fmt.Println("Usage: /use <name>")
			return false
		}
		name := strings.Join(fields[1:], " ")
		if err := s.assistant.ActivateProject(ctx, name); err != nil {
			fmt.Printf("Could not activate project: %v\n", err)
			return false
		}
		fmt.Printf("Active project: %s\n", name)
	default:
		fmt.Println("Commands: /projects, /new <name>, /use <name>, /exit")
	}
	return false
}

func buildSession(cfg *config.Config, log utils.ExtendedLogger) (*chatSession, error) {
	cache, err := httpcache.NewClient(cfg.HTTPCachePath, cfg.CacheTTL, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open HTTP cache: %w", err)
	}

	auditLog, err := audit.New(cfg.AuditLogRoot, 0, log)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}

	manager, err := store.NewManager(cfg.ProjectDataRoot, log)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}

	model, err := llm.Initialize(llm.Config{
		Provider: llm.DetectProvider(cfg.ModelID),
		ModelID:  cfg.ModelID,
		APIKey:   cfg.LLMAPIKey,
	})
	if err != nil {
		_ = cache.Close()
		_ = manager.Close()
		return nil, fmt.Errorf("failed to initialize model: %w", err)
	}

	breakers := resilience.NewRegistry(cfg.BreakerFailMax, cfg.BreakerReset, log)
	limits := resilience.NewRateLimiters(cfg.DefaultRatePerS, map[string]float64{
		"pubmed": cfg.PubMedRatePerS,
	})
	runner := tools.NewRunner(breakers, limits, resilience.DefaultRetryPolicy(), cfg.ToolDeadline)

	toolset := roster.Toolset{
		PubMed:         tools.NewPubMedAdapter(cache, cfg.PubMedEmail),
		ArXiv:          tools.NewArXivAdapter(cache),
		ClinicalTrials: tools.NewClinicalTrialsAdapter(cache),
		MedRxiv:        tools.NewMedRxivAdapter(cache),
		DOAJ:           tools.NewDOAJAdapter(cache),
		OpenFDA:        tools.NewOpenFDAAdapter(cache),
		Stats:          tools.NewStatsAdapter(),
	}
	// Keyed adapters are bound only when a credential is configured.
	if cfg.SemanticScholarKey != "" {
		toolset.SemanticScholar = tools.NewSemanticScholarAdapter(cache, cfg.SemanticScholarKey)
	}
	if cfg.COREKey != "" {
		toolset.CORE = tools.NewCOREAdapter(cache, cfg.COREKey)
	}
	if cfg.SerpAPIKey != "" {
		toolset.SerpAPI = tools.NewSerpAPIAdapter(cache, cfg.SerpAPIKey)
	}
	if cfg.ExaAPIKey != "" {
		toolset.Exa = tools.NewExaAdapter(cache, cfg.ExaAPIKey)
	}
	if cfg.TavilyAPIKey != "" {
		toolset.Tavily = tools.NewTavilyAdapter(cache, cfg.TavilyAPIKey)
	}

	registry, err := roster.BuildAll(roster.Deps{
		Model:               model,
		ModelID:             cfg.ModelID,
		MaxTokens:           cfg.MaxTokens,
		Runner:              runner,
		Tools:               toolset,
		Audit:               auditLog,
		Logger:              log,
		Store:               manager.ActiveStore,
		DedupeAcrossSources: true,
	})
	if err != nil {
		_ = cache.Close()
		_ = manager.Close()
		return nil, err
	}

	assistant := orchestrator.NewAssistant(manager, registry, model, orchestrator.DefaultGateConfig(), auditLog, log).
		WithRunCeiling(cfg.RunCeiling)
	return &chatSession{assistant: assistant, manager: manager, cache: cache, audit: auditLog}, nil
}

// loadConfig reads configuration and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("log-file"); v != "" {
		cfg.LogFile = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.LogFormat = v
	}
	return cfg, nil
}
