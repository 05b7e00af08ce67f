// cmd/tools/registry-check/main.go
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"valuation-pipeline/internal/common/validation"
	"valuation-pipeline/pkg/registry"
)

func main() {
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validatePath := validateCmd.String("path", "", "Registry file (defaults to the embedded registry)")

	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
	checkPath := checkCmd.String("path", "", "Registry file (defaults to the embedded registry)")
	schemaName := checkCmd.String("schema", "", "Task type or event type to check against")
	payloadFile := checkCmd.String("file", "", "JSON document to check")

	if len(os.Args) < 2 {
		help()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		names, err := compileAll(*validatePath)
		if err != nil {
			fmt.Printf("Registry invalid: %v\n", err)
			os.Exit(1)
		}
		for _, n := range names {
			fmt.Printf("  ok  %s\n", n)
		}
		fmt.Printf("Registry valid: %d schemas\n", len(names))

	case "check":
		checkCmd.Parse(os.Args[2:])
		if *schemaName == "" || *payloadFile == "" {
			fmt.Println("Error: schema and file are required for check.")
			checkCmd.Usage()
			os.Exit(1)
		}
		if err := checkPayload(*checkPath, *schemaName, *payloadFile); err != nil {
			fmt.Printf("%s: %v\n", *payloadFile, err)
			os.Exit(1)
		}
		fmt.Printf("%s matches %s\n", *payloadFile, *schemaName)

	case "help":
		help()

	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		help()
		os.Exit(1)
	}
}

func load(path string) (*registry.Registry, error) {
	if path == "" {
		return registry.Default()
	}
	return registry.LoadRegistry(path)
}

func schemaSet(path string) (*validation.SchemaSet, []string, error) {
	reg, err := load(path)
	if err != nil {
		return nil, nil, err
	}
	inputs, err := reg.InputSchemas()
	if err != nil {
		return nil, nil, err
	}
	events, err := reg.EventSchemas()
	if err != nil {
		return nil, nil, err
	}

	docs := make(map[string]string, len(inputs)+len(events))
	for name, doc := range inputs {
		docs[name] = doc
	}
	for name, doc := range events {
		if _, dup := docs[name]; dup {
			return nil, nil, fmt.Errorf("%s is both a task type and an event type", name)
		}
		docs[name] = doc
	}

	set, err := validation.CompileSchemas(docs)
	if err != nil {
		return nil, nil, err
	}
	names := make([]string, 0, len(docs))
	for n := range docs {
		names = append(names, n)
	}
	sort.Strings(names)
	return set, names, nil
}

func compileAll(path string) ([]string, error) {
	_, names, err := schemaSet(path)
	return names, err
}

func checkPayload(path, name, file string) error {
	set, _, err := schemaSet(path)
	if err != nil {
		return err
	}
	body, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	return set.Validate(name, body)
}

func help() {
	fmt.Println(`Registry Check Tool

Usage:
  registry-check <command> [arguments]

Commands:
  validate  Compile every input and event schema in the registry
  check     Check a JSON document against one task or event schema
  help      Show this help message

Examples:
  registry-check validate
  registry-check check -schema valuation.scored -file event.json`)
}
