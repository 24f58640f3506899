package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/config"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/identity"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/ingest"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/merge"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/rules"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/verify"
)

// runIngestCmd reads JSONL evidence records and merges them through the
// same intake path the service uses.
func runIngestCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("ingest", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		filePath   string
		jsonOutput bool
	)
	cmd.StringVar(&filePath, "file", "", "JSONL records file (default stdin)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output per-record results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	var in io.Reader = os.Stdin
	if filePath != "" {
		f, err := os.Open(filePath)
		if err != nil {
			fmt.Fprintf(stderr, "Error opening records: %v\n", err)
			return 2
		}
		defer f.Close()
		in = f
	}

	var records []ingest.Record
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec ingest.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			fmt.Fprintf(stderr, "Error on line %d: %v\n", line, err)
			return 2
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(stderr, "Error reading records: %v\n", err)
		return 2
	}
	if len(records) == 0 {
		fmt.Fprintln(stderr, "Error: no records to submit")
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening store: %v\n", err)
		return 1
	}
	locks, err := openLocker(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening locker: %v\n", err)
		return 1
	}

	weights, _, err := loadTuning(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading tuning profile: %v\n", err)
		return 2
	}

	resolver := identity.NewResolver(identity.KeySpec{
		SaltVersion:  cfg.IdentitySaltVersion,
		Salt:         []byte(cfg.IdentitySalt),
		BucketWindow: cfg.BucketWindow,
	}, nil)
	merger := merge.New(st, weights)
	intake := ingest.NewIntake(resolver, merger, locks, nil)

	results, err := intake.Submit(ctx, records)
	if err != nil {
		fmt.Fprintf(stderr, "Error submitting records: %v\n", err)
		return 1
	}

	counts := map[ingest.Outcome]int{}
	for _, res := range results {
		counts[res.Outcome]++
		if jsonOutput {
			data, _ := json.Marshal(res)
			fmt.Fprintln(stdout, string(data))
		}
	}
	fmt.Fprintf(stdout, "submitted %d records: %d accepted, %d duplicate, %d invalid, %d deferred\n",
		len(results),
		counts[ingest.OutcomeAccepted],
		counts[ingest.OutcomeDuplicate],
		counts[ingest.OutcomeInvalid],
		counts[ingest.OutcomeDeferred],
	)
	if counts[ingest.OutcomeInvalid] > 0 {
		return 1
	}
	return 0
}

// runRulesCmd validates a rule source without touching the running
// service: the same build pipeline, fail-fast.
func runRulesCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "validate" {
		fmt.Fprintln(stderr, "Usage: signald rules validate --file <rules.yaml>")
		return 2
	}

	cmd := flag.NewFlagSet("rules validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var filePath string
	cmd.StringVar(&filePath, "file", "", "Rule source file (REQUIRED)")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if filePath == "" {
		fmt.Fprintln(stderr, "Error: --file is required")
		cmd.Usage()
		return 2
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading rules: %v\n", err)
		return 2
	}

	// Lint under the same caps the server would enforce.
	cfg := config.Load()
	_, limits, err := loadTuning(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading tuning profile: %v\n", err)
		return 2
	}

	builder, err := rules.NewBuilder(EngineVersion, limits)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	set, err := builder.Build(raw)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid rule source (%s): %v\n", rules.Categorize(err), err)
		return 1
	}

	fmt.Fprintf(stdout, "OK: %d rules in %d groups, version %s\n",
		set.RuleCount, len(set.Groups), set.VersionID)
	return 0
}

// runSignalCmd prints the bounded signal snapshot for one event.
func runSignalCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("signal", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var key string
	cmd.StringVar(&key, "key", "", "Event key (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if key == "" {
		fmt.Fprintln(stderr, "Error: --key is required")
		cmd.Usage()
		return 2
	}

	cfg := config.Load()
	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening store: %v\n", err)
		return 1
	}

	signal, err := st.GetSignal(context.Background(), key)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	data, _ := json.MarshalIndent(signal, "", "  ")
	fmt.Fprintln(stdout, string(data))
	return 0
}

// runWithdrawCmd applies the withdrawal transition to a candidate.
func runWithdrawCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("withdraw", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var key, reason string
	cmd.StringVar(&key, "key", "", "Event key (REQUIRED)")
	cmd.StringVar(&reason, "reason", "", "Withdrawal reason")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if key == "" {
		fmt.Fprintln(stderr, "Error: --key is required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening store: %v\n", err)
		return 1
	}
	locks, err := openLocker(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening locker: %v\n", err)
		return 1
	}

	// The withdraw path needs no rule set; the worker is built without
	// one and never evaluates.
	worker := verify.NewWorker(st, locks, nil, nil, verify.Config{LockTTL: cfg.LockTTL})
	if err := worker.Withdraw(ctx, key, reason); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "withdrawn: %s\n", key)
	return 0
}

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost" + healthAddr + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}
