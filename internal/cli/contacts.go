package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cybershield/messenger/internal/chat"
	"github.com/cybershield/messenger/internal/present"
	"github.com/cybershield/messenger/internal/protocol"
)

func newContactsCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "List the people you can message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := a.loadContacts(cmd)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}

			term := present.NewTerminal(cmd.OutOrStdout(), a.cfg.UserID)
			contacts, online := splitRecords(records)
			term.Contacts(contacts, nil, online)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw directory records")
	return cmd
}

// loadContacts fetches the contact list. The full directory is requested when
// configured as elevated or when the relay reports the user as an admin.
func (a *app) loadContacts(cmd *cobra.Command) ([]protocol.UserRecord, error) {
	elevated := a.cfg.Elevated
	if !elevated {
		me, err := a.history.Me(cmd.Context())
		if err != nil {
			return nil, fmt.Errorf("cli: load profile: %w", err)
		}
		elevated = me.IsAdmin
	}

	records, err := a.history.Contacts(cmd.Context(), elevated)
	if err != nil {
		return nil, fmt.Errorf("cli: load contacts: %w", err)
	}

	kept := records[:0]
	for _, r := range records {
		if r.ID != a.cfg.UserID {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

func splitRecords(records []protocol.UserRecord) ([]chat.Contact, map[int64]bool) {
	contacts := make([]chat.Contact, 0, len(records))
	online := make(map[int64]bool)
	for _, r := range records {
		contacts = append(contacts, r.Contact())
		if r.Online != nil {
			online[r.ID] = *r.Online
		}
	}
	return contacts, online
}
