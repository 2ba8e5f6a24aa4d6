package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"aishell/internal/fault"
	"aishell/internal/vault"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage encrypted credentials",
	Long: `Credentials live encrypted in ~/.aishell/vault.enc under a key derived
from the OS keystore entry named by AI_SHELL_VAULT_KEY. Values with
auto-redaction enabled never appear in logs or query history.`,
}

var vaultAddCmd = &cobra.Command{
	Use:   "add <name> [value]",
	Short: "Store a credential",
	Long: `Stores a credential. When the value argument is omitted it is read
from stdin, so secrets stay out of shell history:

  aishell vault add prod-pass < password.txt

User-defined credentials validate against a schema:

  aishell vault add prod-db --type user-defined --schema host=string,port=number '{"host":"db1","port":5432}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runVaultAdd,
}

var vaultGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Retrieve a credential value",
	Args:  cobra.ExactArgs(1),
	RunE:  runVaultGet,
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credential names and metadata",
	Args:  cobra.NoArgs,
	RunE:  runVaultList,
}

var vaultRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Delete a credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runVaultRemove,
}

var vaultRotateCmd = &cobra.Command{
	Use:   "rotate <name>",
	Short: "Re-encrypt a credential with a fresh nonce",
	Args:  cobra.ExactArgs(1),
	RunE:  runVaultRotate,
}

var (
	vaultType      string
	vaultSchema    string
	vaultAnonymize bool
)

func init() {
	vaultAddCmd.Flags().StringVar(&vaultType, "type", "standard", "credential type: standard|database|user-defined")
	vaultAddCmd.Flags().StringVar(&vaultSchema, "schema", "", "schema for user-defined credentials: field=type,...")
	vaultGetCmd.Flags().BoolVar(&vaultAnonymize, "anonymize", false, "return a stable pseudonym instead of the value")
	vaultCmd.AddCommand(vaultAddCmd, vaultGetCmd, vaultListCmd, vaultRemoveCmd, vaultRotateCmd)
}

func parseCredentialType(s string) (vault.CredentialType, error) {
	switch s {
	case "standard":
		return vault.TypeStandard, nil
	case "database":
		return vault.TypeDatabase, nil
	case "user-defined":
		return vault.TypeUserDefined, nil
	default:
		return "", fault.Errorf(fault.KindInvalidInput,
			"unknown credential type %q (want standard|database|user-defined)", s)
	}
}

func parseSchema(s string) (vault.Schema, error) {
	if s == "" {
		return nil, nil
	}
	schema := vault.Schema{}
	for _, pair := range strings.Split(s, ",") {
		field, typ, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fault.Errorf(fault.KindInvalidInput, "bad schema entry %q (want field=type)", pair)
		}
		schema[strings.TrimSpace(field)] = strings.TrimSpace(typ)
	}
	return schema, nil
}

func runVaultAdd(cmd *cobra.Command, args []string) error {
	name := args[0]
	typ, err := parseCredentialType(vaultType)
	if err != nil {
		return err
	}
	schema, err := parseSchema(vaultSchema)
	if err != nil {
		return err
	}

	var value string
	if len(args) == 2 {
		value = args[1]
	} else {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return fault.Wrap(fault.KindInvalidInput, err, "reading credential value from stdin")
		}
		value = strings.TrimRight(line, "\r\n")
	}
	if value == "" {
		return fault.New(fault.KindInvalidInput, "credential value is empty")
	}

	v, err := app.vault()
	if err != nil {
		return err
	}
	if err := v.Store(name, value, typ, schema); err != nil {
		return err
	}
	fmt.Printf("stored %s\n", name)
	return nil
}

func runVaultGet(cmd *cobra.Command, args []string) error {
	v, err := app.vault()
	if err != nil {
		return err
	}
	value, err := v.Retrieve(args[0], vaultAnonymize)
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}

func runVaultList(cmd *cobra.Command, args []string) error {
	v, err := app.vault()
	if err != nil {
		return err
	}
	rs := resultSet{Columns: []string{"name", "type", "created", "rotated", "quarantined"}}
	for _, info := range v.List() {
		rotated := ""
		if !info.Metadata.RotatedAt.IsZero() {
			rotated = info.Metadata.RotatedAt.Format(time.RFC3339)
		}
		quarantined := ""
		if info.Quarantined {
			quarantined = "yes"
		}
		rs.Rows = append(rs.Rows, []any{
			info.Name, string(info.Type),
			info.Metadata.Created.Format(time.RFC3339),
			rotated, quarantined,
		})
	}
	rs.Summary = fmt.Sprintf("%d credential(s)", len(rs.Rows))
	return render(rs)
}

func runVaultRemove(cmd *cobra.Command, args []string) error {
	v, err := app.vault()
	if err != nil {
		return err
	}
	if err := v.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", args[0])
	return nil
}

func runVaultRotate(cmd *cobra.Command, args []string) error {
	v, err := app.vault()
	if err != nil {
		return err
	}
	if err := v.Rotate(args[0]); err != nil {
		return err
	}
	fmt.Printf("rotated %s\n", args[0])
	return nil
}
