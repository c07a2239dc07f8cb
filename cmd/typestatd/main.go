// typestatd - Typing statistics with Hangul composition
//
//	typestatd run                 Capture keys and stream events as JSON lines
//	typestatd compose <jamo...>   Compose jamo into syllables
//	typestatd stats <k> <ms> <c> <t>
//	                              Compute WPM and accuracy once
//	typestatd config <action>     Show or create the configuration file
//	typestatd version             Print version information
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"typestatd/internal/compute"
	"typestatd/internal/config"
	"typestatd/internal/hangul"
)

// Set by the linker.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		cmdRun(args)
	case "compose":
		cmdCompose(args)
	case "stats":
		cmdStats(args)
	case "config":
		cmdConfig(args)
	case "version", "-v", "--version":
		fmt.Printf("typestatd %s (%s)\n", version, commit)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`typestatd - Typing statistics with Hangul composition

USAGE:
    typestatd <command> [options]

COMMANDS:
    run                 Capture keystrokes and stream events to stdout
    compose <jamo...>   Compose Hangul jamo into syllables
    stats <keystrokes> <elapsed_ms> <correct> <total>
                        Compute WPM and accuracy
    config <action>     Manage configuration (show, path, init)
    version             Print version information
    help                Show this help message

RUN OPTIONS:
    -config <path>      Configuration file (default: search standard locations)
    -log-level <level>  Override logging.level (debug, info, warn, error)
    -source <name>      Key source: stdin (JSON lines) or device (evdev)
    -watch              Reload the configuration file on change (default true)

EXAMPLES:
    echo '{"keycode":35,"key":"ㅎ"}' | typestatd run
    typestatd compose ㅎㅏㄴㄱㅡㄹ
    typestatd stats 250 60000 95 100

ENVIRONMENT:
    TYPESTATD_CONFIG_DIR      Configuration directory
    TYPESTATD_LOG_LEVEL       Override logging.level
    TYPESTATD_STATS_PROCESSING_MODE
                              Override stats.processing_mode`)
}

func cmdCompose(args []string) {
	fs := flag.NewFlagSet("compose", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print per-syllable detail as JSON")
	fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: typestatd compose [-json] <jamo...>")
		os.Exit(1)
	}

	input := strings.Join(fs.Args(), " ")
	text := hangul.ComposeString(input)
	if !*asJSON {
		fmt.Println(text)
		return
	}

	type syllable struct {
		Text    string `json:"text"`
		Initial string `json:"initial,omitempty"`
		Medial  string `json:"medial,omitempty"`
		Final   string `json:"final,omitempty"`
	}
	var out []syllable
	for _, r := range text {
		s := syllable{Text: string(r)}
		if j, ok := hangul.Decompose(r); ok {
			s.Initial = runeString(j.Cho)
			s.Medial = runeString(j.Jung)
			s.Final = runeString(j.Jong)
		}
		out = append(out, s)
	}
	printJSON(map[string]any{"input": input, "text": text, "syllables": out})
}

func runeString(r rune) string {
	if r == 0 {
		return ""
	}
	return string(r)
}

func cmdStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 4 {
		fmt.Fprintln(os.Stderr, "usage: typestatd stats <keystrokes> <elapsed_ms> <correct> <total>")
		os.Exit(1)
	}

	var values [4]float64
	for i, a := range fs.Args() {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid number %q\n", a)
			os.Exit(1)
		}
		values[i] = v
	}

	in := compute.StatsInput{
		Keystrokes: values[0],
		TimeMs:     values[1],
		Correct:    values[2],
		Total:      values[3],
	}
	printJSON(compute.CalculateResult(in, time.Now()))
}

func cmdConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	fs.Parse(args)

	action := "show"
	if fs.NArg() > 0 {
		action = fs.Arg(0)
	}
	path := resolveConfigPath(*configPath)

	switch action {
	case "path":
		fmt.Println(path)

	case "show":
		loader := config.NewLoader(path)
		cfg, err := loader.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, w := range loader.Warnings() {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", w.Error())
		}
		printJSON(cfg)

	case "init":
		_, created, err := config.LoadOrCreate(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if created {
			fmt.Printf("Created %s\n", path)
		} else {
			fmt.Printf("%s already exists\n", path)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s (valid: show, path, init)\n", action)
		os.Exit(1)
	}
}

// resolveConfigPath prefers an explicit path, then a config file found in
// the standard locations, then the platform default.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
