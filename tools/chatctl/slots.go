package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func slotsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List, create and transition slots",
	}
	cmd.AddCommand(
		slotsListCmd(opts),
		slotsCreateCmd(opts),
		slotsBookCmd(opts),
		slotsCancelCmd(opts),
		slotsOutcomeCmd(opts),
		slotsDeleteCmd(opts),
	)
	return cmd
}

func slotsListCmd(opts *options) *cobra.Command {
	var hostID, occupantID, status string
	var available bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if hostID != "" {
				q.Set("host_id", hostID)
			}
			if occupantID != "" {
				q.Set("occupant_id", occupantID)
			}
			if status != "" {
				q.Set("status", status)
			}
			if available {
				q.Set("available", "true")
			}
			path := "/api/v1/slots"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			return call(cmd, opts, http.MethodGet, path, nil)
		},
	}
	cmd.Flags().StringVar(&hostID, "host", "", "filter by host id")
	cmd.Flags().StringVar(&occupantID, "occupant", "", "filter by occupant id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().BoolVar(&available, "available", false, "only available slots")
	return cmd
}

func slotsCreateCmd(opts *options) *cobra.Command {
	var date, at, location, hostName string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a slot as the current host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"date": date, "time": at, "location": location}
			if hostName != "" {
				body["host_display_name"] = hostName
			}
			return call(cmd, opts, http.MethodPost, "/api/v1/slots", body)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "date, YYYY-MM-DD")
	cmd.Flags().StringVar(&at, "time", "", "start time, HH:MM")
	cmd.Flags().StringVar(&location, "location", "", "meeting location")
	cmd.Flags().StringVar(&hostName, "host-name", "", "host display name")
	_ = cmd.MarkFlagRequired("date")
	_ = cmd.MarkFlagRequired("time")
	_ = cmd.MarkFlagRequired("location")
	return cmd
}

func slotsBookCmd(opts *options) *cobra.Command {
	var displayName string
	cmd := &cobra.Command{
		Use:   "book <slot-id>",
		Short: "Book a slot for the current user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{}
			if displayName != "" {
				body["display_name"] = displayName
			}
			return call(cmd, opts, http.MethodPost, slotPath(args[0], "book"), body)
		},
	}
	cmd.Flags().StringVar(&displayName, "display-name", "", "occupant display name")
	return cmd
}

func slotsCancelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <slot-id>",
		Short: "Cancel a booking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, slotPath(args[0], "cancel"), nil)
		},
	}
}

func slotsOutcomeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "outcome <slot-id> <completed|no-show>",
		Short: "Record the outcome of a booked slot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, slotPath(args[0], "outcome"), map[string]string{"outcome": args[1]})
		},
	}
}

func slotsDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <slot-id>",
		Short: "Delete an available slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(cmd, opts, http.MethodDelete, slotPath(args[0], ""), nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
			return nil
		},
	}
}

func slotPath(id, action string) string {
	p := "/api/v1/slots/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}
