package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"mediscope/internal/config"
	"mediscope/internal/di"
	"mediscope/internal/diagnose"
)

func newDiagnoseCommand() *cobra.Command {
	var bundle diagnose.EvidenceBundle
	var skip []string

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Run one diagnostic request and print the report",
		Example: `  mediscope diagnose --image https://pacs.example.com/scan.png --prompt "persistent cough"
  mediscope diagnose --audio https://store.example.com/visit.wav --language es`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			container, err := di.BuildContainer(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = container.Cleanup(context.Background()) }()

			for _, id := range skip {
				bundle.SkipEnrichments = append(bundle.SkipEnrichments, diagnose.TaskID(id))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			if !isTTY() {
				color.NoColor = true
			}

			err = container.Run(ctx, &bundle, diagnose.EmitFunc(printEvent))
			fmt.Println()
			return err
		},
	}

	cmd.Flags().StringVar(&bundle.ImageRef, "image", "", "Medical image URL")
	cmd.Flags().StringVar(&bundle.AudioRef, "audio", "", "Patient audio URL")
	cmd.Flags().StringVar(&bundle.DocumentRef, "document", "", "Clinical document URL")
	cmd.Flags().StringVar(&bundle.Prompt, "prompt", "", "Free-text patient context")
	cmd.Flags().StringVar(&bundle.Language, "language", "", "Report language")
	cmd.Flags().StringSliceVar(&skip, "skip", nil, "Enrichment tasks to skip (websearch, classification)")
	return cmd
}

// printEvent renders one progress frame. Task progress goes to stderr so the
// report on stdout stays pipeable.
func printEvent(event diagnose.ProgressEvent) {
	switch event.Kind {
	case diagnose.EventTaskStarted:
		fmt.Fprintf(os.Stderr, "%s %s\n", cyan("▸"), event.Task)
	case diagnose.EventTaskCompleted:
		fmt.Fprintf(os.Stderr, "%s %s %s\n", green("✓"), event.Task, gray(event.Payload))
	case diagnose.EventTaskFailed:
		fmt.Fprintf(os.Stderr, "%s %s %s\n", yellow("✗"), event.Task, gray(event.Payload))
	case diagnose.EventSynthesisStarted:
		fmt.Fprintf(os.Stderr, "%s\n", bold("Synthesizing report..."))
	case diagnose.EventSynthesisToken:
		fmt.Print(event.Payload)
	case diagnose.EventSynthesisDone:
		// Tokens were already printed as they streamed.
	case diagnose.EventFatal:
		fmt.Fprintf(os.Stderr, "%s %s\n", red("fatal:"), event.Payload)
	}
}
