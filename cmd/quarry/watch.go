package main

import (
	"github.com/spf13/cobra"

	"github.com/odvcencio/quarry/pkg/bus"
	"github.com/odvcencio/quarry/pkg/telemetry"
	"github.com/odvcencio/quarry/pkg/terminal"
)

func newWatchCmd(flags *rootFlags) *cobra.Command {
	var natsURL string
	cmd := &cobra.Command{
		Use:   "watch [query-hash]",
		Short: "Follow events forwarded to NATS by other quarry runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			if natsURL == "" {
				natsURL = a.cfg.Telemetry.NATSURL
			}
			cfg := bus.DefaultConfig()
			if natsURL != "" {
				cfg.URL = natsURL
			}
			nb, err := bus.NewNATSBus(cfg)
			if err != nil {
				return err
			}
			a.onClose(nb.Close)

			prefix := a.cfg.Telemetry.SubjectPrefix
			if prefix == "" {
				prefix = bus.DefaultSubjectPrefix
			}
			pattern := prefix + ".>"
			if len(args) == 1 {
				pattern = prefix + "." + args[0] + ".*"
			}

			var pub telemetry.Publisher = terminal.NewProgress(a.out, flags.verbose)
			if flags.jsonOutput {
				pub = telemetry.PublisherFunc(func(e telemetry.Event) { _ = writeJSON(cmd, e) })
			}
			sub, err := bus.SubscribeEvents(cmd.Context(), nb, pattern, pub.Publish)
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()

			a.out.Dim("watching %s on %s", pattern, cfg.URL)
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats", "", "NATS server URL (default from config)")
	return cmd
}
