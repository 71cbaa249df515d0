package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/runbooklabs/runbook/internal/diagram"
	"github.com/runbooklabs/runbook/internal/engine"
	"github.com/runbooklabs/runbook/internal/store"
	"github.com/runbooklabs/runbook/internal/validation"
	"github.com/runbooklabs/runbook/pkg/schema"
)

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print the validation report as JSON")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: runbook validate [flags] <document.json>")
		os.Exit(1)
	}
	path := fs.Arg(0)

	raw, err := os.ReadFile(path)
	if err != nil {
		fatalf("%v", err)
	}
	v, err := validation.NewDocumentValidator()
	if err != nil {
		fatalf("%v", err)
	}
	doc, result := v.ValidateBytes(raw)

	if *asJSON {
		out, _ := json.MarshalIndent(map[string]any{
			"valid":    result.Valid(),
			"errors":   result.Errors,
			"warnings": result.Warnings,
		}, "", "  ")
		fmt.Println(string(out))
	} else {
		printIssues(result)
		if result.Valid() {
			fmt.Printf("%s: valid (%d steps)\n", path, len(doc.Steps))
		} else {
			fmt.Printf("%s: %d errors, %d warnings\n", path, len(result.Errors), len(result.Warnings))
		}
	}
	if !result.Valid() {
		os.Exit(1)
	}
}

func runPlan(args []string) {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	file := fs.String("f", "", "path to a workflow document JSON file")
	docVersion := fs.Int("version", 0, "registered document version (default: latest)")
	asJSON := fs.Bool("json", false, "print the plan as JSON")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	doc := resolveDocument(fs, *file, *docVersion, "plan")
	if err := validation.ValidateDocument(doc); err != nil {
		fatalf("%v", err)
	}
	plan, err := engine.BuildPlan(doc)
	if err != nil {
		fatalf("%v", err)
	}

	if *asJSON {
		out, _ := json.MarshalIndent(map[string]any{
			"document": doc.Metadata.Name,
			"order":    plan.Order,
			"levels":   plan.Levels,
		}, "", "  ")
		fmt.Println(string(out))
		return
	}

	fmt.Printf("Plan for %s (%d steps):\n", doc.Metadata.Name, len(plan.Order))
	for i, id := range plan.Order {
		if deps := plan.Deps[id]; len(deps) > 0 {
			fmt.Printf("  %2d. %s  (after %s)\n", i+1, id, strings.Join(deps, ", "))
		} else {
			fmt.Printf("  %2d. %s\n", i+1, id)
		}
	}
	if len(plan.Levels) < len(plan.Order) {
		fmt.Println("Parallel levels:")
		for i, level := range plan.Levels {
			fmt.Printf("  %2d: %s\n", i+1, strings.Join(level, ", "))
		}
	}
}

func runGraph(args []string) {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
	file := fs.String("f", "", "path to a workflow document JSON file")
	docVersion := fs.Int("version", 0, "registered document version (default: latest)")
	runID := fs.String("run", "", "run ID; overlays recorded step states")
	outPath := fs.String("o", "", "write the diagram to a file instead of stdout")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig()
	ctx := context.Background()

	var (
		doc    *schema.WorkflowDocument
		states []*store.StepState
		err    error
	)
	switch {
	case *runID != "":
		st, openErr := openStore(ctx, cfg)
		if openErr != nil {
			fatalf("%v", openErr)
		}
		defer st.Close()
		doc, states, err = runOverlay(ctx, st, *runID, fs.Arg(0), *docVersion)
	case *file != "":
		doc, err = schema.LoadDocumentFromFile(*file)
	case fs.NArg() == 1:
		st, openErr := openStore(ctx, cfg)
		if openErr != nil {
			fatalf("%v", openErr)
		}
		defer st.Close()
		doc, err = loadRegistered(ctx, st, fs.Arg(0), *docVersion)
	default:
		fmt.Fprintln(os.Stderr, "Usage: runbook graph -f <document.json> | runbook graph <name> [-version N] | runbook graph -run <run-id>")
		os.Exit(1)
	}
	if err != nil {
		fatalf("%v", err)
	}

	model, err := diagram.Build(doc, states)
	if err != nil {
		fatalf("%v", err)
	}
	rendered := diagram.RenderMermaid(model)

	if *outPath != "" {
		if err := os.WriteFile(*outPath, []byte(rendered), 0o644); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Wrote %s\n", *outPath)
		return
	}
	fmt.Print(rendered)
}

// runOverlay resolves the document and recorded step states of a run. An
// explicit name wins over the one recorded on the run; ad-hoc file runs have
// no registered document and cannot be drawn by run id.
func runOverlay(ctx context.Context, st store.Store, runID, name string, version int) (*schema.WorkflowDocument, []*store.StepState, error) {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if name == "" {
		name = run.DocumentName
	}
	if name == "" {
		return nil, nil, fmt.Errorf("run %s has no registered document to draw", runID)
	}
	doc, err := loadRegistered(ctx, st, name, version)
	if err != nil {
		return nil, nil, err
	}
	states, err := st.ListStepStates(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return doc, states, nil
}

func runRegister(args []string) {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: runbook register <document.json>")
		os.Exit(1)
	}

	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fatalf("%v", err)
	}
	v, err := validation.NewDocumentValidator()
	if err != nil {
		fatalf("%v", err)
	}
	doc, result := v.ValidateBytes(raw)
	printIssues(result)
	if !result.Valid() {
		fatalf("document failed validation")
	}

	cfg := loadConfig()
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer st.Close()

	rec, err := st.PutDocument(ctx, &store.DocumentRecord{Name: doc.Metadata.Name, Raw: raw})
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Registered %s version %d\n", rec.Name, rec.Version)
}

func runDocs(args []string) {
	fs := flag.NewFlagSet("docs", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print documents as JSON")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig()
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer st.Close()

	docs, err := st.ListDocuments(ctx)
	if err != nil {
		fatalf("%v", err)
	}

	if *asJSON {
		out, _ := json.MarshalIndent(docs, "", "  ")
		fmt.Println(string(out))
		return
	}
	if len(docs) == 0 {
		fmt.Println("No documents registered")
		return
	}
	fmt.Printf("%-32s %-8s %s\n", "NAME", "VERSION", "REGISTERED")
	for _, d := range docs {
		fmt.Printf("%-32s %-8d %s\n", d.Name, d.Version, d.CreatedAt.Format(time.RFC3339))
	}
}

// resolveDocument loads a document from -f or a registered name positional,
// exiting with usage when neither is given.
func resolveDocument(fs *flag.FlagSet, file string, version int, cmd string) *schema.WorkflowDocument {
	if (file == "") == (fs.NArg() != 1) {
		fmt.Fprintf(os.Stderr, "Usage: runbook %s -f <document.json> | runbook %s <name> [-version N]\n", cmd, cmd)
		os.Exit(1)
	}

	if file != "" {
		doc, err := schema.LoadDocumentFromFile(file)
		if err != nil {
			fatalf("%v", err)
		}
		return doc
	}

	cfg := loadConfig()
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer st.Close()
	doc, err := loadRegistered(ctx, st, fs.Arg(0), version)
	if err != nil {
		fatalf("%v", err)
	}
	return doc
}

// printIssues writes a validation report, one line per issue.
func printIssues(result *schema.ValidationResult) {
	for _, issue := range result.Errors {
		fmt.Printf("error   %-20s %s: %s\n", issue.Code, issue.Path, issue.Message)
	}
	for _, issue := range result.Warnings {
		fmt.Printf("warning %-20s %s: %s\n", issue.Code, issue.Path, issue.Message)
	}
}
