package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/scanmesh/scanmesh/align"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	inputFile  = flag.String("input", "", "Reconstruction file (overrides config)")
	outputFile = flag.String("output", "", "Write the reconstruction back out (overrides config)")
	infoOnly   = flag.Bool("info", false, "Print reconstruction summary and exit")
	convert    = flag.Bool("convert", false, "Convert input to output format and exit")
	mqttMode   = flag.Bool("mqtt", false, "Publish shape poses over MQTT")
	httpMode   = flag.Bool("http", false, "Serve pose and health endpoints over HTTP")
)

func main() {
	flag.Parse()
	fmt.Printf("scanmesh version: %s\n", Version)

	config, err := loadOrDefaultConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *infoOnly {
		runInfo(config)
		return
	}

	if *convert {
		runConvert(config)
		return
	}

	runService(config)
}

// loadOrDefaultConfig loads the YAML config, letting CLI flags override the
// input and output paths. Running without a config file is allowed when
// -input is given.
func loadOrDefaultConfig() (*align.Config, error) {
	var config *align.Config

	if _, err := os.Stat(*configFile); err == nil {
		config, err = align.LoadConfig(*configFile)
		if err != nil {
			return nil, err
		}
		log.Printf("Loaded config from %s", *configFile)
	} else {
		if *inputFile == "" {
			return nil, fmt.Errorf("no config file at %s and no -input given", *configFile)
		}
		config = &align.Config{HTTPAddr: ":8080"}
	}

	if *inputFile != "" {
		config.Input = *inputFile
	}
	if *outputFile != "" {
		config.Output = *outputFile
	}
	return config, nil
}

// runInfo loads the reconstruction and prints a summary
func runInfo(config *align.Config) {
	r, err := align.ReadFile(config.Input)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", config.Input, err)
	}

	fmt.Printf("File: %s\n", config.Input)
	fmt.Printf("Shapes: %d\n", r.NShapes())
	fmt.Printf("Sequences: %d\n", r.NSequences())
	fmt.Printf("Features: %d\n", r.NFeatures())
	fmt.Printf("Matches: %d\n", r.NMatches())

	bbox := r.BBox()
	if !bbox.IsEmpty() {
		fmt.Printf("BBox: (%.3f, %.3f, %.3f) - (%.3f, %.3f, %.3f)\n",
			bbox.Min.X, bbox.Min.Y, bbox.Min.Z,
			bbox.Max.X, bbox.Max.Y, bbox.Max.Z)
	}

	nvars := r.AssignVariableIndices()
	fmt.Printf("Solver variables: %d\n", nvars)

	for i := 0; i < r.NShapes(); i++ {
		s := r.Shape(i)
		name := s.Name()
		if name == "" {
			name = fmt.Sprintf("shape-%d", i)
		}
		fmt.Printf("  %-25s: %d features, %d matches, %d children\n",
			name, s.NFeatures(), s.NMatches(), s.NChildren())
	}
}

// runConvert reads the input and writes it to the output path. Output format
// follows the output extension, so this converts between ASCII and binary.
func runConvert(config *align.Config) {
	if config.Output == "" {
		log.Fatal("Convert mode requires -output or output in config")
	}

	r, err := align.ReadFile(config.Input)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", config.Input, err)
	}

	if err := align.WriteFile(config.Output, r); err != nil {
		log.Fatalf("Failed to write %s: %v", config.Output, err)
	}

	fmt.Printf("Converted %s -> %s (%d shapes, %d features)\n",
		config.Input, config.Output, r.NShapes(), r.NFeatures())
}

// runService loads the reconstruction, optionally perturbs it, and serves
// poses over MQTT and/or HTTP until interrupted.
func runService(config *align.Config) {
	fmt.Println("Starting scanmesh service...")

	r, err := align.ReadFile(config.Input)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", config.Input, err)
	}
	log.Printf("Loaded %s: %d shapes, %d features, %d matches",
		config.Input, r.NShapes(), r.NFeatures(), r.NMatches())

	if config.Perturb.Enabled {
		seed := config.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		rng := rand.New(rand.NewSource(seed))
		rotMag := config.Perturb.RotationMagnitudeDeg * math.Pi / 180
		for i := 0; i < r.NShapes(); i++ {
			r.Shape(i).PerturbTransformation(rng, config.Perturb.TranslationMagnitude, rotMag)
		}
		log.Printf("Perturbed %d shapes (translation %.3f, rotation %.1f deg, seed %d)",
			r.NShapes(), config.Perturb.TranslationMagnitude, config.Perturb.RotationMagnitudeDeg, seed)
	}

	nvars := r.AssignVariableIndices()
	log.Printf("Assigned %d solver variables", nvars)

	// MQTT publisher (optional)
	var publisher *align.Publisher
	if *mqttMode {
		if config.MQTT.Broker == "" {
			log.Fatal("MQTT broker not configured in config")
		}

		opts := mqtt.NewClientOptions()
		opts.AddBroker(config.MQTT.Broker)
		clientID := config.MQTT.ClientID
		if clientID == "" {
			clientID = "scanmesh"
		}
		opts.SetClientID(clientID)
		if config.MQTT.Username != "" {
			opts.SetUsername(config.MQTT.Username)
			opts.SetPassword(config.MQTT.Password)
		}
		opts.SetAutoReconnect(true)

		client := mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Fatalf("Failed to connect to MQTT broker %s: %v", config.MQTT.Broker, token.Error())
		}
		log.Printf("Connected to MQTT broker %s", config.MQTT.Broker)
		defer client.Disconnect(250)

		publisher = align.NewPublisher(client, config.MQTT.PublishPrefix)
		if err := publisher.PublishAll(r); err != nil {
			log.Printf("Error publishing poses: %v", err)
		}
	}

	// HTTP server (optional)
	if *httpMode {
		httpServer := newHTTPServer(r, publisher)
		go func() {
			log.Printf("[HTTP] Starting server on %s", config.HTTPAddr)
			if err := http.ListenAndServe(config.HTTPAddr, httpServer); err != nil {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}

	if !*mqttMode && !*httpMode {
		// No serving mode requested: process and write out, then exit
		if config.Output != "" {
			if err := align.WriteFile(config.Output, r); err != nil {
				log.Fatalf("Failed to write %s: %v", config.Output, err)
			}
			fmt.Printf("Wrote %s\n", config.Output)
		}
		fmt.Println("Done (use -mqtt and/or -http to keep serving)")
		return
	}

	fmt.Println("\nService Running")
	fmt.Println("===============")
	if *mqttMode {
		prefix := config.MQTT.PublishPrefix
		if prefix == "" {
			prefix = "scanmesh"
		}
		fmt.Printf("  Publishing to: %s/{shape}\n", prefix)
		fmt.Printf("  Combined poses: %s/poses\n", prefix)
	}
	if *httpMode {
		fmt.Printf("\nHTTP endpoints (%s):\n", config.HTTPAddr)
		fmt.Println("  GET /health    - Health check")
		fmt.Println("  GET /api/poses - Current shape poses")
	}
	fmt.Println("\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down service...")
	if config.Output != "" {
		if err := align.WriteFile(config.Output, r); err != nil {
			log.Printf("Warning: failed to write %s: %v", config.Output, err)
		} else {
			log.Printf("Wrote %s", config.Output)
		}
	}
	fmt.Println("Service stopped")
}
