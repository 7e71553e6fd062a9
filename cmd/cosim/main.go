package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ohowland/wtcosim/internal/pkg/cosim"
	"github.com/ohowland/wtcosim/internal/pkg/recorder"
)

func main() {
	configPath := flag.String("config", "./config/simulation.json", "run configuration file")
	flag.Parse()

	log.Println("[Main] Starting WTCosim v0.0.1")
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case sig := <-sigs:
			log.Printf("[Main] %v received, stopping run\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Println("[Main] Reading Configuration")
	cfg, err := cosim.ReadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	log.Println("[Main] Building Simulation")
	orchestrator, results, err := cosim.Build(cfg)
	if err != nil {
		log.Fatal(err)
	}

	log.Println("[Main] Running")
	runErr := orchestrator.Run(ctx)
	printSummary(orchestrator, results)
	if runErr != nil {
		log.Fatal(runErr)
	}
	log.Println("[Main] Stopping")
}

func printSummary(o *cosim.Orchestrator, results *recorder.Results) {
	fmt.Printf("run %v: %v steps to t=%v, state %v\n", o.PID(), o.Steps(), o.Time(), o.State())
	if results.Len() == 0 {
		return
	}
	for _, name := range results.Names() {
		v, _ := results.Last(name)
		fmt.Printf("  %-28v %12.6g\n", name, v)
	}
}
