package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"streambot/internal/app"
	"streambot/internal/notify"
	"streambot/internal/transport"
)

func sendCmd(f *rootFlags) *cobra.Command {
	var (
		to      []string
		cached  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send [event.json|-]",
		Short: "Route one stream event and print the delivery report",
		Long: "Reads one event object ({\"type\":\"online\",\"stream\":{...}}) from a file or stdin\n" +
			"and routes it like the engine does. --to bypasses the subscriber lookup.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := "-"
			if len(args) == 1 {
				src = args[0]
			}
			ev, err := readEvent(cmd.InOrStdin(), src)
			if err != nil {
				return err
			}
			for _, r := range to {
				if r = strings.TrimSpace(r); r != "" {
					ev.Recipients = append(ev.Recipients, transport.Recipient(r))
				}
			}
			if cached {
				ev.UseCachedPhoto = true
			}

			a, err := app.New(f.config)
			if err != nil {
				return err
			}
			defer a.Stop(context.Background(), "send done")

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			rep, herr := a.Router().Handle(ctx, ev)
			if rep != nil {
				if err := printReport(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
			}
			return herr
		},
	}
	cmd.Flags().StringSliceVar(&to, "to", nil, "recipients (chat ids or @channels); repeatable")
	cmd.Flags().BoolVar(&cached, "cached-photo", false, "reuse the stream's cached photo handle")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline")
	return cmd
}

func readEvent(stdin io.Reader, src string) (*app.Event, error) {
	var rd io.Reader = stdin
	if src != "-" {
		f, err := os.Open(src)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		rd = f
	}
	var ev app.Event
	dec := json.NewDecoder(rd)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		ev.Type = app.EventOnline
	}
	return &ev, nil
}

type reportView struct {
	Stream      string             `json:"stream"`
	Sent        []notify.Delivered `json:"sent,omitempty"`
	Edited      int                `json:"edited,omitempty"`
	NotModified int                `json:"not_modified,omitempty"`
	Kicked      []string           `json:"kicked,omitempty"`
	Migrated    map[string]string  `json:"migrated,omitempty"`
	Failed      map[string]string  `json:"failed,omitempty"`
}

func printReport(w io.Writer, rep *notify.Report) error {
	v := reportView{
		Stream:      rep.StreamID,
		Sent:        rep.Sent,
		Edited:      rep.Edited,
		NotModified: rep.NotModified,
	}
	for _, k := range rep.Kicked {
		v.Kicked = append(v.Kicked, string(k))
	}
	if len(rep.Migrated) > 0 {
		v.Migrated = map[string]string{}
		for from, to := range rep.Migrated {
			v.Migrated[string(from)] = string(to)
		}
	}
	if len(rep.Failed) > 0 {
		v.Failed = map[string]string{}
		for to, e := range rep.Failed {
			v.Failed[string(to)] = e.Error()
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
