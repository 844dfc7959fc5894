package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cybershield/messenger/internal/chat"
	"github.com/cybershield/messenger/internal/present"
)

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <contact-id>",
		Short: "Print the stored conversation with a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("cli: invalid contact id %q", args[0])
			}

			records, err := a.loadContacts(cmd)
			if err != nil {
				return err
			}
			contacts, _ := splitRecords(records)
			contact := chat.Contact{ID: id}
			for _, c := range contacts {
				if c.ID == id {
					contact = c
				}
			}
			if contact.DisplayName() == "" {
				contact.Handle = "user " + args[0]
			}

			msgs, err := a.history.Conversation(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("cli: load conversation: %w", err)
			}

			term := present.NewTerminal(cmd.OutOrStdout(), a.cfg.UserID)
			term.SetContacts(contacts)
			term.Loaded(contact, msgs)
			return nil
		},
	}
}
