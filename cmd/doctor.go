package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/termclaw/internal/config"
	"github.com/nextlevelbuilder/termclaw/internal/dispatch"
	"github.com/nextlevelbuilder/termclaw/internal/ids"
	"github.com/nextlevelbuilder/termclaw/internal/orchestrator"
	"github.com/nextlevelbuilder/termclaw/internal/term"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, configuration, and kernel health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("termclaw doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Log dir writability.
	fmt.Printf("  Log dir:  %s", cfg.LogDir)
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else if probe, err := os.CreateTemp(cfg.LogDir, ".doctor-*"); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		probe.Close()
		os.Remove(probe.Name())
		fmt.Println(" (writable)")
	}

	// Kernel probe: boot the full stack against the in-memory driver, run one
	// create/write/read round trip, and tear it down.
	fmt.Print("  Kernel:   ")
	probeDir, err := os.MkdirTemp("", "termclaw-doctor-")
	if err != nil {
		fmt.Printf("PROBE FAILED (%s)\n", err)
		return
	}
	defer os.RemoveAll(probeDir)

	probeCfg := config.Default()
	probeCfg.LogDir = probeDir
	o, err := orchestrator.New(probeCfg, term.NewMemDriver(), ids.NewSystemClock())
	if err != nil {
		fmt.Printf("BOOT FAILED (%s)\n", err)
		return
	}
	defer o.Close()

	ctx := context.Background()
	results, err := o.CreateSessions(ctx, []orchestrator.SessionConfig{{Name: "probe"}}, "")
	if err != nil || results[0].Err != nil {
		fmt.Printf("CREATE FAILED (%v %v)\n", err, results)
		return
	}
	writes, err := o.WriteToSessions(ctx, "", []dispatch.Message{{
		Content:      "doctor probe",
		Targets:      []protocol.TargetRef{{Name: "probe"}},
		ExecuteEnter: true,
	}}, false, false, nil)
	if err != nil || writes[0].Err != nil {
		fmt.Printf("WRITE FAILED (%v %v)\n", err, writes)
		return
	}
	reads, err := o.ReadSessions(ctx, []protocol.TargetRef{{Name: "probe"}}, false, "", 0)
	if err != nil || reads[0].Err != nil || len(reads[0].Lines) == 0 {
		fmt.Printf("READ FAILED (%v %v)\n", err, reads)
		return
	}
	fmt.Println("OK (create/write/read round trip on mem driver)")
}
