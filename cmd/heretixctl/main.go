package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/peakyragnar/heretix/internal/pipeline"
	"github.com/peakyragnar/heretix/internal/prompts"
	"github.com/peakyragnar/heretix/internal/providers"
	"github.com/peakyragnar/heretix/internal/rpl"
)

var version = "dev"

// loadEnvFile reads ~/.heretix/env and sets any key=value pairs not already
// present in the process environment. This lets heretixctl work out of the
// box without shell profile configuration.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(home + "/.heretix/env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if os.Getenv(strings.TrimSpace(k)) == "" {
			_ = os.Setenv(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
}

func main() {
	loadEnvFile()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("heretixctl %s\n", version)
	case "run":
		doRun(args)
	case "describe":
		doDescribe(args)
	case "runs":
		doRuns(args)
	case "health":
		doHealth()
	case "usage":
		doUsage()
	case "events":
		doEvents()
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `heretixctl — CLI for the Heretix claim verification API

Usage: heretixctl <command> [arguments]

Environment:
  HERETIX_URL      Base URL (default: http://localhost:8080)
  HERETIX_TOKEN    Bearer usage token (hx_...); anonymous callers are
                   limited to mock runs

  ~/.heretix/env   Auto-sourced on startup. Explicit environment
                   variables take precedence.

Commands:
  run [flags] <claim>      Run a probability check against the server
    --config <file>          YAML run config (claim, mode, sampling shape)
    --mode <m>               baseline or web_informed (default baseline)
    --model <m>              logical model (default gpt-5)
    --k/--r/--t/--b <n>      sampling shape and bootstrap resamples
    --mock                   use the deterministic mock provider
    --no-cache               bypass the run and sample caches
    --dry-run                print the resolved request and exit
    --json                   print the full response JSON
    --out <file>             also write the full response JSON to a file

  describe [flags] <claim> Show the deterministic sampling plan for a claim
                           (rotation offset, template schedule, bootstrap
                           seed) without any provider calls
    --config <file>          YAML run config
    --model/--k/--r/--t/--b  as for run

  runs [flags] [run_id]    List recorded runs, or show one run's record
    --limit <n>              rows to list (default 20)
    --json                   print the raw JSON

  health                   Show server and provider health
  usage                    Show quota state for the configured token
  events                   Stream real-time run events (SSE)

  version                  Show version
  help                     Show this help

Examples:
  heretixctl run --mock "the universe is expanding"
  heretixctl run --mode web_informed --out verdict.json "GLP-1 drugs reduce stroke risk"
  heretixctl run --config check.yaml
  heretixctl describe --k 16 --t 8 "tariffs reduce long-run growth"
  heretixctl runs --limit 10
  heretixctl events
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("HERETIX_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

func usageToken() string {
	return os.Getenv("HERETIX_TOKEN")
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	url := baseURL() + path
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := usageToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	// Live runs can take minutes; rely on the server's deadline.
	client := &http.Client{Timeout: 15 * time.Minute}
	if path == "/v1/events" {
		client.Timeout = 0
	}
	return client.Do(req)
}

func doGet(path string) map[string]any {
	resp, err := doRequest("GET", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		fmt.Println(string(data))
		os.Exit(0)
	}
	return result
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// --- Run config ---

// runConfig is the YAML shape accepted by --config. Flags override file
// values; positional claims override both.
type runConfig struct {
	Claim           string  `yaml:"claim"`
	Mode            string  `yaml:"mode"`
	Provider        string  `yaml:"provider"`
	Model           string  `yaml:"model"`
	PromptVersion   string  `yaml:"prompt_version"`
	K               int     `yaml:"k"`
	R               int     `yaml:"r"`
	T               int     `yaml:"t"`
	B               int     `yaml:"b"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	Mock            bool    `yaml:"mock"`
	NoCache         bool    `yaml:"no_cache"`
	Seed            *uint64 `yaml:"seed"`
}

func loadRunConfig(path string) runConfig {
	var rc runConfig
	if path == "" {
		return rc
	}
	data, err := os.ReadFile(path)
	fatal(err)
	if err := yaml.Unmarshal(data, &rc); err != nil {
		fatal(fmt.Errorf("parse %s: %w", path, err))
	}
	return rc
}

// runFlags binds the shared run/describe flags onto a FlagSet and returns
// the request builder.
func runFlags(fs *flag.FlagSet) func() (pipeline.Request, *runConfig) {
	configPath := fs.String("config", "", "YAML run config file")
	mode := fs.String("mode", "", "baseline or web_informed")
	model := fs.String("model", "", "logical model")
	promptVersion := fs.String("prompt-version", "", "prompt bundle version")
	k := fs.Int("k", 0, "paraphrase slots")
	r := fs.Int("r", 0, "replicates per slot")
	t := fs.Int("t", 0, "active templates")
	b := fs.Int("b", 0, "bootstrap resamples")
	mock := fs.Bool("mock", false, "use the deterministic mock provider")
	noCache := fs.Bool("no-cache", false, "bypass run and sample caches")

	return func() (pipeline.Request, *runConfig) {
		rc := loadRunConfig(*configPath)
		if args := fs.Args(); len(args) > 0 {
			rc.Claim = strings.Join(args, " ")
		}
		if *mode != "" {
			rc.Mode = *mode
		}
		if *model != "" {
			rc.Model = *model
		}
		if *promptVersion != "" {
			rc.PromptVersion = *promptVersion
		}
		if *k > 0 {
			rc.K = *k
		}
		if *r > 0 {
			rc.R = *r
		}
		if *t > 0 {
			rc.T = *t
		}
		if *b > 0 {
			rc.B = *b
		}
		if *mock {
			rc.Mock = true
		}
		if *noCache {
			rc.NoCache = true
		}
		if rc.Claim == "" {
			fmt.Fprintln(os.Stderr, "a claim is required (positional argument or claim: in --config)")
			os.Exit(1)
		}
		req := pipeline.Request{
			Claim:           rc.Claim,
			Mode:            rc.Mode,
			Provider:        rc.Provider,
			Model:           rc.Model,
			PromptVersion:   rc.PromptVersion,
			K:               rc.K,
			R:               rc.R,
			T:               rc.T,
			B:               rc.B,
			MaxOutputTokens: rc.MaxOutputTokens,
			NoCache:         rc.NoCache,
			Mock:            rc.Mock,
			SeedOverride:    rc.Seed,
		}
		return req, &rc
	}
}

// --- Commands ---

func doRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	build := runFlags(fs)
	dryRun := fs.Bool("dry-run", false, "print the resolved request and exit")
	asJSON := fs.Bool("json", false, "print the full response JSON")
	outPath := fs.String("out", "", "write the full response JSON to a file")
	fatal(fs.Parse(args))

	req, _ := build()
	if err := req.Normalize(); err != nil {
		fatal(err)
	}
	if *dryRun {
		fmt.Println(prettyJSON(req))
		return
	}

	body, err := json.Marshal(req)
	fatal(err)
	httpResp, err := doRequest("POST", "/checks/run", strings.NewReader(string(body)))
	fatal(err)
	defer func() { _ = httpResp.Body.Close() }()
	data, err := io.ReadAll(httpResp.Body)
	fatal(err)
	if httpResp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", httpResp.StatusCode, string(data))
		os.Exit(1)
	}

	var resp pipeline.Response
	fatal(json.Unmarshal(data, &resp))

	if *outPath != "" {
		fatal(os.WriteFile(*outPath, append([]byte(prettyJSON(resp)), '\n'), 0o644))
	}
	if *asJSON {
		fmt.Println(prettyJSON(resp))
		return
	}
	printSummary(&resp)
}

func printSummary(resp *pipeline.Response) {
	fmt.Printf("Claim:      %s\n", resp.Claim)
	fmt.Printf("Run:        %s (%s)\n", resp.RunID, resp.ExecutionID)
	fmt.Printf("Model:      %s via %s, prompts %s\n", resp.LogicalModel, resp.Provider, resp.PromptVersion)
	fmt.Printf("Mode:       %s", resp.Mode)
	if resp.Mock {
		fmt.Printf(" (mock)")
	}
	fmt.Println()
	fmt.Println()
	fmt.Printf("Verdict:    %s\n", resp.Combined.Label)
	fmt.Printf("P(true):    %.3f  [%.3f, %.3f]\n",
		resp.Combined.P, resp.Combined.CI95[0], resp.Combined.CI95[1])
	fmt.Printf("Prior:      %.3f  [%.3f, %.3f]  stability %.2f\n",
		resp.Prior.P, resp.Prior.CI95[0], resp.Prior.CI95[1], resp.Prior.Stability)
	if resp.Web != nil {
		fmt.Printf("Web:        %.3f  [%.3f, %.3f]  weight %.2f\n",
			resp.Web.P, resp.Web.CI95[0], resp.Web.CI95[1], resp.Combined.WeightWeb)
		if resp.Web.Resolved && resp.Web.ResolvedTruth != nil {
			fmt.Printf("Resolved:   %v — %s\n", *resp.Web.ResolvedTruth, resp.Web.ResolvedReason)
		}
	}
	if !resp.Aggregates.IsStable {
		fmt.Printf("Stability:  %s (ci width %.3f) — treat with caution\n",
			resp.Aggregates.StabilityBand, resp.Aggregates.CIWidth)
	}
	if resp.SimpleExpl != nil {
		fmt.Println()
		fmt.Println(resp.SimpleExpl.Title)
		for _, p := range resp.SimpleExpl.Paragraphs {
			fmt.Println("  " + p)
		}
	}
	if resp.ChecksAllowed > 0 {
		fmt.Println()
		fmt.Printf("Quota:      %d/%d used this month (%s plan)\n",
			resp.ChecksUsed, resp.ChecksAllowed, resp.Plan)
	}
}

// doDescribe computes the deterministic sampling plan locally: the rotated
// template schedule and the bootstrap seed are pure functions of the claim,
// model, prompt version, and sampling shape.
func doDescribe(args []string) {
	fs := flag.NewFlagSet("describe", flag.ExitOnError)
	build := runFlags(fs)
	fatal(fs.Parse(args))

	req, _ := build()
	if err := req.Normalize(); err != nil {
		fatal(err)
	}
	if req.PromptVersion != prompts.DefaultVersion {
		fatal(fmt.Errorf("describe only knows the compiled-in prompt version %s", prompts.DefaultVersion))
	}
	bundle := prompts.Default()

	k := req.K
	if k <= 0 {
		k = rpl.DefaultK
	}
	r := req.R
	if r <= 0 {
		r = rpl.DefaultR
	}
	tStage := req.T
	if tStage <= 0 {
		tStage = rpl.DefaultTStage
	}
	b := req.B
	if b <= 0 {
		b = rpl.DefaultB
	}

	plan := rpl.BuildPlan(req.Claim, req.Model, req.PromptVersion, len(bundle.Paraphrases), tStage, k)

	hashes := make([]string, 0, len(plan.ActiveTemplates))
	counts := make(map[int]int, len(plan.ActiveTemplates))
	for _, tplIdx := range plan.Sequence {
		counts[tplIdx]++
	}
	for _, tplIdx := range plan.ActiveTemplates {
		_, _, sha := providers.ComposePrompt(providers.ScoreRequest{
			Task:           providers.TaskRPL,
			Claim:          req.Claim,
			SystemText:     bundle.System,
			UserTemplate:   bundle.UserTemplate,
			ParaphraseText: bundle.Paraphrases[tplIdx],
			LogicalModel:   req.Model,
		})
		hashes = append(hashes, sha)
	}
	seed := rpl.BootstrapSeed(req.Claim, req.Model, req.PromptVersion, k, r,
		hashes, rpl.CenterTrimmed, rpl.DefaultTrim, b)
	if env, ok := rpl.SeedFromEnv(); ok {
		seed = env
	}
	if req.SeedOverride != nil {
		seed = *req.SeedOverride
	}

	fmt.Printf("Claim:           %s\n", req.Claim)
	fmt.Printf("Run:             %s\n", rpl.RunID(req.Claim, req.Model, req.PromptVersion, k, r))
	fmt.Printf("Model:           %s, prompts %s\n", req.Model, req.PromptVersion)
	fmt.Printf("Shape:           K=%d R=%d T=%d (%d provider calls), B=%d\n",
		k, r, tStage, k*r, b)
	fmt.Printf("Rotation offset: %d of %d templates\n", plan.Offset, len(bundle.Paraphrases))
	fmt.Printf("Imbalance:       %.3f\n", plan.ImbalanceRatio)
	fmt.Printf("Bootstrap seed:  %d\n", seed)
	fmt.Println()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TEMPLATE\tSLOTS\tPROMPT SHA256\tPARAPHRASE")
	for i, tplIdx := range plan.ActiveTemplates {
		text := bundle.Paraphrases[tplIdx]
		if len(text) > 56 {
			text = text[:53] + "..."
		}
		_, _ = fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", tplIdx, counts[tplIdx], hashes[i][:12], text)
	}
	_ = tw.Flush()
}

func doRuns(args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	limit := fs.Int("limit", 20, "rows to list")
	asJSON := fs.Bool("json", false, "print the raw JSON")
	fatal(fs.Parse(args))

	if fs.NArg() > 0 {
		data := doGet("/v1/runs/" + fs.Arg(0))
		fmt.Println(prettyJSON(data))
		return
	}

	data := doGet(fmt.Sprintf("/v1/runs?limit=%d", *limit))
	if *asJSON {
		fmt.Println(prettyJSON(data))
		return
	}
	runs, _ := data["runs"].([]any)
	if len(runs) == 0 {
		fmt.Println("no recorded runs")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN ID\tMODE\tMODEL\tCLAIM\tCREATED")
	for _, v := range runs {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		claim, _ := m["claim"].(string)
		if len(claim) > 48 {
			claim = claim[:45] + "..."
		}
		runID, _ := m["run_id"].(string)
		mode, _ := m["mode"].(string)
		model, _ := m["model"].(string)
		created, _ := m["created_at"].(string)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", runID, mode, model, claim, created)
	}
	_ = tw.Flush()
}

func doHealth() {
	data := doGet("/healthz")
	status, _ := data["status"].(string)
	fmt.Printf("Server:  %s\n", baseURL())
	fmt.Printf("Status:  %s\n", status)

	providerStats, _ := data["providers"].(map[string]any)
	if len(providerStats) == 0 {
		return
	}
	fmt.Println()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tSTATE\tCALLS\tERRORS")
	for id, v := range providerStats {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		state, _ := m["state"].(string)
		calls := fmtNum(m["total_calls"])
		errs := fmtNum(m["errors"])
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, state, calls, errs)
	}
	_ = tw.Flush()
}

func doUsage() {
	if usageToken() == "" {
		fmt.Fprintln(os.Stderr, "set HERETIX_TOKEN to inspect quota state")
		os.Exit(1)
	}
	data := doGet("/v1/usage")
	plan, _ := data["usage_plan"].(string)
	fmt.Printf("Plan:       %s\n", plan)
	fmt.Printf("Allowed:    %s checks/month\n", fmtNum(data["checks_allowed"]))
	fmt.Printf("Used:       %s\n", fmtNum(data["checks_used"]))
	fmt.Printf("Remaining:  %s\n", fmtNum(data["remaining"]))
}

func doEvents() {
	resp, err := doRequest("GET", "/v1/events", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()

	fmt.Println("Streaming events (Ctrl-C to stop)...")
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			for _, line := range strings.Split(string(buf[:n]), "\n") {
				line = strings.TrimSpace(line)
				if !strings.HasPrefix(line, "data:") {
					continue
				}
				payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				var evt map[string]any
				if json.Unmarshal([]byte(payload), &evt) != nil {
					continue
				}
				evtType, _ := evt["type"].(string)
				runID, _ := evt["run_id"].(string)
				mode, _ := evt["mode"].(string)
				ts := time.Now().Format("15:04:05")
				switch evtType {
				case "run_completed":
					label, _ := evt["label"].(string)
					p, _ := evt["prob_true"].(float64)
					fmt.Printf("[%s] %s  run=%s mode=%s p=%.3f %q\n", ts, evtType, runID, mode, p, label)
				case "run_failed":
					kind, _ := evt["error_kind"].(string)
					msg, _ := evt["error_msg"].(string)
					fmt.Printf("[%s] %s  run=%s kind=%s error=%s\n", ts, evtType, runID, kind, msg)
				case "":
					// connected preamble and keepalives
				default:
					fmt.Printf("[%s] %s  run=%s mode=%s\n", ts, evtType, runID, mode)
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				fmt.Println("Event stream closed.")
			}
			break
		}
	}
}

func fmtNum(v any) string {
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%.0f", f)
	}
	return "-"
}
