// Command-line entry point for the SBD frame decoder.
//
// The tool decodes fixed-layout SBD telemetry frames and manages the stores
// built around them: a local SQLite archive for ad-hoc work, and the
// ClickHouse/PostgreSQL pair fed by the ingest daemon.
//
// Usage:
//
//	sbd_decoder <command> [options]
//
// Commands:
//
//	decode   - decode one frame and print a report or JSON
//	archive  - decode one frame and store it in the local archive
//	recent   - list recently archived frames or archive statistics
//	kml      - export archived positions as a KML document
//	serve    - run the HTTP API server
//	ingest   - run the NATS ingest daemon
//	firehose - show frame totals from the ClickHouse firehose
//
// Frame input for decode and archive comes from -file (binary), -hex, or a
// positional hex string. With no input at all, decode reads hex frames from
// stdin, one per line.
//
// Serve options:
//
//	-port N             HTTP port (default: 8081)
//	-db FILE            Frame archive path; empty disables the frame routes
//	-pg-host HOST       PostgreSQL host (env: POSTGRES_HOST); empty disables
//	                    the device routes
//	-pg-port PORT       PostgreSQL port (default: 5432, env: POSTGRES_PORT)
//	-pg-database DB     PostgreSQL database (default: sbd_state, env: POSTGRES_DATABASE)
//	-pg-user USER       PostgreSQL user (default: sbd, env: POSTGRES_USER)
//	-pg-password PASS   PostgreSQL password (default: sbd, env: POSTGRES_PASSWORD)
//	-auth               Enable API key authentication
//	-api-keys KEYS      Comma-separated list of valid API keys
//
// Firehose options:
//
//	-host HOST          ClickHouse host (default: localhost, env: CLICKHOUSE_HOST)
//	-port N             ClickHouse port (default: 9000, env: CLICKHOUSE_PORT)
//	-database DB        ClickHouse database (default: sbd, env: CLICKHOUSE_DATABASE)
//	-user USER          ClickHouse user (default: default, env: CLICKHOUSE_USER)
//	-password PASS      ClickHouse password (env: CLICKHOUSE_PASSWORD)
//	-device ID          Only count frames from this device
//
// Authentication:
//
//	When -auth is enabled, requests must include an API key via:
//	  - X-API-Key header
//	  - Authorization: Bearer <key> header
//	  - ?api_key=<key> query parameter
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"sbd_decoder/internal/api"
	"sbd_decoder/internal/ingest"
	"sbd_decoder/internal/input"
	"sbd_decoder/internal/kml"
	"sbd_decoder/internal/report"
	"sbd_decoder/internal/sbd"
	"sbd_decoder/internal/storage"
)

func usage(w io.Writer) {
	fmt.Fprintln(w, "sbd_decoder - commands:")
	fmt.Fprintln(w, "  decode   - decode one frame and print a report or JSON")
	fmt.Fprintln(w, "  archive  - decode one frame and store it in the local archive")
	fmt.Fprintln(w, "  recent   - list recently archived frames")
	fmt.Fprintln(w, "  kml      - export archived positions as KML")
	fmt.Fprintln(w, "  serve    - run the HTTP API server")
	fmt.Fprintln(w, "  ingest   - run the NATS ingest daemon")
	fmt.Fprintln(w, "  firehose - show frame totals from the ClickHouse firehose")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  sbd_decoder decode [-file FILE | -hex HEX | HEX] [-mode MODE] [-scale N] [-json]")
	fmt.Fprintln(w, "  sbd_decoder archive [-file FILE | -hex HEX | HEX] [-db FILE] [-device ID]")
	fmt.Fprintln(w, "  sbd_decoder recent [-db FILE] [-limit N] [-device ID] [-stats]")
	fmt.Fprintln(w, "  sbd_decoder kml [-db FILE] [-device ID] [-limit N] [-out FILE]")
	fmt.Fprintln(w, "  sbd_decoder serve [-port N] [-db FILE] [-pg-host HOST] [-auth -api-keys K1,K2]")
	fmt.Fprintln(w, "  sbd_decoder ingest -config FILE")
	fmt.Fprintln(w, "  sbd_decoder firehose [-host HOST] [-database DB] [-device ID]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - Modes are ddmm (default), linear and raw; -scale 0 uses the mode default.")
	fmt.Fprintln(w, "  - decode with no frame input reads hex frames from stdin, one per line.")
	fmt.Fprintln(w, "")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	cmd := strings.ToLower(os.Args[1])
	switch cmd {
	case "decode":
		runDecode(os.Args[2:])
	case "archive":
		runArchive(os.Args[2:])
	case "recent":
		runRecent(os.Args[2:])
	case "kml":
		runKML(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "ingest":
		runIngest(os.Args[2:])
	case "firehose":
		runFirehose(os.Args[2:])
	case "-h", "--help", "help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}
}

// frameInput resolves the frame bytes for decode and archive. A nil slice
// with a nil error means no input was given at all.
func frameInput(filePath, hexStr string, rest []string) ([]byte, error) {
	switch {
	case filePath != "":
		return input.FromFile(filePath)
	case hexStr != "":
		return input.FromHex(hexStr)
	case len(rest) > 0:
		return input.FromHex(strings.Join(rest, " "))
	}
	return nil, nil
}

func runDecode(args []string) {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	filePath := fs.String("file", "", "Read the frame from a binary file")
	hexStr := fs.String("hex", "", "Frame as a hex string")
	modeName := fs.String("mode", "ddmm", "Coordinate mode: ddmm, linear or raw")
	scale := fs.Float64("scale", 0, "Coordinate scale (0 = mode default)")
	asJSON := fs.Bool("json", false, "Print the decoded result as JSON")
	_ = fs.Parse(args)

	codec, err := sbd.CodecFor(*modeName, *scale)
	if err != nil {
		fmt.Fprintf(os.Stderr, "decode: %v\n", err)
		os.Exit(2)
	}

	raw, err := frameInput(*filePath, *hexStr, fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read frame: %v\n", err)
		os.Exit(1)
	}
	if raw == nil {
		decodeLoop(codec, *asJSON)
		return
	}

	if err := printDecoded(raw, codec, *asJSON); err != nil {
		fmt.Fprintf(os.Stderr, "Decode failed: %v\n", err)
		os.Exit(1)
	}
}

// decodeLoop reads hex frames from stdin until EOF. Bad lines are reported
// and skipped so a paste of mixed captures keeps going.
func decodeLoop(codec sbd.CodecConfig, asJSON bool) {
	fmt.Println("Reading hex frames from stdin, one per line (Ctrl-D to quit).")
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		raw, err := input.FromHex(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Print("> ")
			continue
		}
		if err := printDecoded(raw, codec, asJSON); err != nil {
			fmt.Fprintf(os.Stderr, "Decode failed: %v\n", err)
		}
		fmt.Print("> ")
	}
	fmt.Println()
}

func printDecoded(raw []byte, codec sbd.CodecConfig, asJSON bool) error {
	res, err := sbd.Decode(raw, codec)
	if err != nil {
		return err
	}
	if asJSON {
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	fmt.Print(report.Render(res))
	return nil
}

func runArchive(args []string) {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	filePath := fs.String("file", "", "Read the frame from a binary file")
	hexStr := fs.String("hex", "", "Frame as a hex string")
	modeName := fs.String("mode", "ddmm", "Coordinate mode: ddmm, linear or raw")
	scale := fs.Float64("scale", 0, "Coordinate scale (0 = mode default)")
	dbPath := fs.String("db", "sbd_frames.db", "Archive database path")
	device := fs.String("device", "", "Device identifier stored with the frame")
	_ = fs.Parse(args)

	codec, err := sbd.CodecFor(*modeName, *scale)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archive: %v\n", err)
		os.Exit(2)
	}

	raw, err := frameInput(*filePath, *hexStr, fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read frame: %v\n", err)
		os.Exit(1)
	}
	if raw == nil {
		fmt.Fprintln(os.Stderr, "archive: a frame is required (-file, -hex or a positional hex string)")
		os.Exit(2)
	}

	res, err := sbd.Decode(raw, codec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Decode failed: %v\n", err)
		os.Exit(1)
	}

	archive, err := storage.OpenArchive(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open archive: %v\n", err)
		os.Exit(1)
	}
	defer archive.Close()

	id, err := archive.InsertFrame(*device, raw, res)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to store frame: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Archived frame #%d (%d bytes, %d history fixes, %d notes)\n",
		id, res.RawLen, len(res.History), len(res.Notes))
}

func runRecent(args []string) {
	fs := flag.NewFlagSet("recent", flag.ExitOnError)
	dbPath := fs.String("db", "sbd_frames.db", "Archive database path")
	limit := fs.Int("limit", 20, "Maximum frames to list")
	device := fs.String("device", "", "Only frames from this device")
	stats := fs.Bool("stats", false, "Print archive statistics instead of a listing")
	_ = fs.Parse(args)

	archive, err := storage.OpenArchive(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open archive: %v\n", err)
		os.Exit(1)
	}
	defer archive.Close()

	if *stats {
		st, err := archive.Stats()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read stats: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Frames:     %d\n", st.TotalFrames)
		fmt.Printf("Devices:    %d\n", st.Devices)
		fmt.Printf("With notes: %d\n", st.WithNotes)
		if len(st.ByMsgType) > 0 {
			fmt.Println("By message type:")
			types := make([]int, 0, len(st.ByMsgType))
			for t := range st.ByMsgType {
				types = append(types, t)
			}
			sort.Ints(types)
			for _, t := range types {
				fmt.Printf("  type %2d: %d\n", t, st.ByMsgType[t])
			}
		}
		return
	}

	frames, err := archive.RecentFrames(*limit, *device)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list frames: %v\n", err)
		os.Exit(1)
	}
	if len(frames) == 0 {
		fmt.Println("No frames archived.")
		return
	}
	for i := range frames {
		fmt.Println(frames[i].Summary())
	}
}

func runKML(args []string) {
	fs := flag.NewFlagSet("kml", flag.ExitOnError)
	dbPath := fs.String("db", "sbd_frames.db", "Archive database path")
	device := fs.String("device", "", "Only positions from this device")
	limit := fs.Int("limit", 0, "Maximum positions to export (0 = all)")
	out := fs.String("out", "", "Output file (default: stdout)")
	_ = fs.Parse(args)

	archive, err := storage.OpenArchive(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open archive: %v\n", err)
		os.Exit(1)
	}
	defer archive.Close()

	positions, err := archive.Positions(*device, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load positions: %v\n", err)
		os.Exit(1)
	}
	if len(positions) == 0 {
		fmt.Fprintln(os.Stderr, "No positions to export.")
		os.Exit(1)
	}

	doc, err := kml.Marshal(kml.FromPositions(*device, positions))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build KML: %v\n", err)
		os.Exit(1)
	}

	if *out == "" {
		fmt.Println(doc)
		return
	}
	if err := os.WriteFile(*out, []byte(doc+"\n"), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", *out, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %d positions to %s\n", len(positions), *out)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.Int("port", 8081, "HTTP port for API server")
	dbPath := fs.String("db", "sbd_frames.db", "Frame archive path (empty disables frame routes)")
	pgHost := fs.String("pg-host", envOrDefault("POSTGRES_HOST", ""), "PostgreSQL host (empty disables device routes)")
	pgPort := fs.Int("pg-port", envOrDefaultInt("POSTGRES_PORT", 5432), "PostgreSQL port")
	pgUser := fs.String("pg-user", envOrDefault("POSTGRES_USER", "sbd"), "PostgreSQL user")
	pgPassword := fs.String("pg-password", envOrDefault("POSTGRES_PASSWORD", "sbd"), "PostgreSQL password")
	pgDB := fs.String("pg-database", envOrDefault("POSTGRES_DATABASE", "sbd_state"), "PostgreSQL database")
	authEnabled := fs.Bool("auth", false, "Enable API key authentication")
	apiKeys := fs.String("api-keys", "", "Comma-separated list of valid API keys (when auth enabled)")
	_ = fs.Parse(args)

	var archive *storage.Archive
	if *dbPath != "" {
		a, err := storage.OpenArchive(*dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open archive: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()
		archive = a
	}

	var pg *storage.PostgresDB
	if *pgHost != "" {
		db, err := storage.OpenPostgres(context.Background(), storage.PostgresConfig{
			Host:     *pgHost,
			Port:     *pgPort,
			Database: *pgDB,
			User:     *pgUser,
			Password: *pgPassword,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening PostgreSQL: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
		pg = db
	}

	// Parse API keys.
	var keys []string
	if *apiKeys != "" {
		keys = strings.Split(*apiKeys, ",")
		for i := range keys {
			keys[i] = strings.TrimSpace(keys[i])
		}
	}

	server := api.NewServer(pg, archive, api.Config{
		Port:        *port,
		AuthEnabled: *authEnabled,
		APIKeys:     keys,
	})

	if err := server.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func runIngest(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	confPath := fs.String("config", "", "Daemon configuration file (YAML)")
	_ = fs.Parse(args)

	if *confPath == "" {
		fmt.Fprintln(os.Stderr, "ingest: -config is required")
		os.Exit(2)
	}

	cfg, err := ingest.New(*confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := ingest.ConfigureLogging(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(1)
	}

	daemon, err := ingest.NewDaemon(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start daemon: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := daemon.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Ingest error: %v\n", err)
		os.Exit(1)
	}
}

func runFirehose(args []string) {
	fs := flag.NewFlagSet("firehose", flag.ExitOnError)
	host := fs.String("host", envOrDefault("CLICKHOUSE_HOST", "localhost"), "ClickHouse host")
	port := fs.Int("port", envOrDefaultInt("CLICKHOUSE_PORT", 9000), "ClickHouse port")
	user := fs.String("user", envOrDefault("CLICKHOUSE_USER", "default"), "ClickHouse user")
	password := fs.String("password", envOrDefault("CLICKHOUSE_PASSWORD", ""), "ClickHouse password")
	database := fs.String("database", envOrDefault("CLICKHOUSE_DATABASE", "sbd"), "ClickHouse database")
	device := fs.String("device", "", "Only count frames from this device")
	_ = fs.Parse(args)

	ctx := context.Background()
	ch, err := storage.OpenClickHouse(ctx, storage.ClickHouseConfig{
		Host:     *host,
		Port:     *port,
		Database: *database,
		User:     *user,
		Password: *password,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening ClickHouse: %v\n", err)
		os.Exit(1)
	}
	defer ch.Close()

	if *device != "" {
		n, err := ch.Count(ctx, *device)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to count frames: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Frames from %s: %d\n", *device, n)
		return
	}

	total, err := ch.Count(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to count frames: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Frames: %d\n", total)

	byType, err := ch.CountByMsgType(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to count by message type: %v\n", err)
		os.Exit(1)
	}
	if len(byType) > 0 {
		fmt.Println("By message type:")
		types := make([]int, 0, len(byType))
		for t := range byType {
			types = append(types, int(t))
		}
		sort.Ints(types)
		for _, t := range types {
			fmt.Printf("  type %2d: %d\n", t, byType[uint8(t)])
		}
	}

	byDevice, err := ch.CountByDevice(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to count by device: %v\n", err)
		os.Exit(1)
	}
	if len(byDevice) > 0 {
		fmt.Println("By device:")
		devices := make([]string, 0, len(byDevice))
		for dev := range byDevice {
			devices = append(devices, dev)
		}
		sort.Strings(devices)
		for _, dev := range devices {
			fmt.Printf("  %s: %d\n", dev, byDevice[dev])
		}
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
