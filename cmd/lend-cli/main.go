// Command lend-cli is the offline companion to lendingd. It manages keystores,
// signs proposals, permits and extensions, and issues API bearer tokens.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	nodecfg "peerlend/config"
	"peerlend/crypto"
	"peerlend/native/assets"
	"peerlend/native/lending"
	"peerlend/native/proposal"
	"peerlend/services/lending/server"
)

const (
	defaultPassEnv = "PEERLEND_KEY_PASSPHRASE"

	passEnvKey   = "pass-env"
	keystoreKey  = "keystore"
	chainIDKey   = "chain-id"
	kindKey      = "kind"
	typeKey      = "type"
	proposalKey  = "proposal"
	permitKey    = "permit"
	extensionKey = "extension"
	engineKey    = "engine"
	ttlKey       = "ttl"
)

var (
	lookupEnv = os.Getenv
	cliNow    = time.Now
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

var errNoCommand = errors.New("no command given")

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "lend-cli",
		Short:         "Offline key, signing and token tooling for lendingd",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, args []string) error {
			c.SetOut(c.ErrOrStderr())
			_ = c.Usage()
			return errNoCommand
		},
	}
	root.PersistentFlags().String(passEnvKey, defaultPassEnv, "environment variable holding the keystore passphrase")
	root.AddCommand(
		generateKeyCommand(),
		addressCommand(),
		hashProposalCommand(),
		signProposalCommand(),
		signBatchCommand(),
		signPermitCommand(),
		signExtensionCommand(),
		issueTokenCommand(),
	)
	return root
}

func generateKeyCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "generate-key",
		Short: "Create an encrypted keystore",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			out, _ := c.Flags().GetString("out")
			if out == "" {
				return errors.New("--out is required")
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}
			pass, err := passphrase(c)
			if err != nil {
				return err
			}
			key, err := crypto.GeneratePrivateKey()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			if err := crypto.SaveToKeystore(out, key, pass); err != nil {
				return fmt.Errorf("write keystore: %w", err)
			}
			fmt.Fprintln(c.OutOrStdout(), key.Address().String())
			return nil
		},
	}
	c.Flags().String("out", "", "keystore output path")
	return c
}

func addressCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "address",
		Short: "Print the address held by a keystore",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			key, err := loadKey(c)
			if err != nil {
				return err
			}
			if asHex, _ := c.Flags().GetBool("hex"); asHex {
				fmt.Fprintln(c.OutOrStdout(), key.Address().Hex())
			} else {
				fmt.Fprintln(c.OutOrStdout(), key.Address().String())
			}
			return nil
		},
	}
	c.Flags().String(keystoreKey, "", "keystore path")
	c.Flags().Bool("hex", false, "print the 0x form instead of bech32")
	return c
}

func addProposalFlags(c *cobra.Command) {
	flags := c.Flags()
	flags.String(kindKey, proposal.KindSimple, "proposal kind (simple or fungible)")
	flags.Uint64(chainIDKey, 0, "chain id the signature is bound to")
	flags.String(typeKey, "", "proposal type address (defaults to the built-in deployment)")
}

// proposalType builds a signing-only proposal type from the command flags.
func proposalType(c *cobra.Command) (proposal.Type, string, uint64, error) {
	flags := c.Flags()
	kind, _ := flags.GetString(kindKey)
	chainID, _ := flags.GetUint64(chainIDKey)
	typeAddr, _ := flags.GetString(typeKey)
	if chainID == 0 {
		return nil, "", 0, errors.New("--chain-id is required")
	}
	contracts := nodecfg.DefaultContracts()
	var addr crypto.Address
	switch kind {
	case proposal.KindSimple:
		addr = contracts.SimpleProposal
	case proposal.KindFungible:
		addr = contracts.FungibleProposal
	default:
		return nil, "", 0, fmt.Errorf("unknown proposal kind %q", kind)
	}
	if typeAddr != "" {
		decoded, err := crypto.DecodeAddress(typeAddr)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid --type: %w", err)
		}
		addr = decoded
	}
	if kind == proposal.KindFungible {
		return proposal.NewFungibleType(addr, chainID, proposal.Deps{}), kind, chainID, nil
	}
	return proposal.NewSimpleType(addr, chainID, proposal.Deps{}), kind, chainID, nil
}

func hashProposalFile(typ proposal.Type, kind, path string) (crypto.Hash, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return crypto.Hash{}, err
	}
	p, err := proposal.Decode(kind, raw)
	if err != nil {
		return crypto.Hash{}, fmt.Errorf("%s: %w", path, err)
	}
	return typ.Hash(p)
}

// hashFromFlags hashes the file named by --proposal.
func hashFromFlags(c *cobra.Command) (crypto.Hash, error) {
	file, _ := c.Flags().GetString(proposalKey)
	if file == "" {
		return crypto.Hash{}, errors.New("--proposal is required")
	}
	typ, kind, _, err := proposalType(c)
	if err != nil {
		return crypto.Hash{}, err
	}
	return hashProposalFile(typ, kind, file)
}

func hashProposalCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "hash-proposal",
		Short: "Print the signing hash of a proposal",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			hash, err := hashFromFlags(c)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), hash.Hex())
			return nil
		},
	}
	addProposalFlags(c)
	c.Flags().String(proposalKey, "", "proposal JSON file")
	return c
}

type signedProposal struct {
	Hash crypto.Hash            `json:"hash"`
	Auth proposal.Authorization `json:"auth"`
}

func signProposalCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "sign-proposal",
		Short: "Sign a proposal directly with the proposer's key",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			hash, err := hashFromFlags(c)
			if err != nil {
				return err
			}
			key, err := loadKey(c)
			if err != nil {
				return err
			}
			sig, err := crypto.Sign(hash, key)
			if err != nil {
				return fmt.Errorf("sign: %w", err)
			}
			return printJSON(c.OutOrStdout(), signedProposal{Hash: hash, Auth: proposal.Authorization{Signature: sig}})
		},
	}
	addProposalFlags(c)
	c.Flags().String(proposalKey, "", "proposal JSON file")
	c.Flags().String(keystoreKey, "", "proposer keystore path")
	return c
}

type signedBatch struct {
	Root      crypto.Hash      `json:"root"`
	Proposals []signedProposal `json:"proposals"`
}

func signBatchCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "sign-batch <proposal.json> <proposal.json>...",
		Short: "Sign several proposals with one multiproposal signature",
		RunE: func(c *cobra.Command, files []string) error {
			if len(files) < 2 {
				return errors.New("a batch needs at least two proposal files")
			}
			typ, kind, chainID, err := proposalType(c)
			if err != nil {
				return err
			}
			hashes := make([]crypto.Hash, 0, len(files))
			for _, file := range files {
				hash, err := hashProposalFile(typ, kind, file)
				if err != nil {
					return err
				}
				hashes = append(hashes, hash)
			}
			key, err := loadKey(c)
			if err != nil {
				return err
			}
			batch, err := proposal.SignBatch(chainID, hashes, key)
			if err != nil {
				return err
			}
			out := signedBatch{Root: batch.Root, Proposals: make([]signedProposal, len(hashes))}
			for i, hash := range hashes {
				auth, err := batch.Proof(i)
				if err != nil {
					return fmt.Errorf("proof %d: %w", i, err)
				}
				out.Proposals[i] = signedProposal{Hash: hash, Auth: auth}
			}
			return printJSON(c.OutOrStdout(), out)
		},
	}
	addProposalFlags(c)
	c.Flags().String(keystoreKey, "", "proposer keystore path")
	return c
}

func signPermitCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "sign-permit",
		Short: "Sign a one-shot asset transfer permit",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			flags := c.Flags()
			chainID, _ := flags.GetUint64(chainIDKey)
			file, _ := flags.GetString(permitKey)
			ttl, _ := flags.GetDuration(ttlKey)
			if chainID == 0 || file == "" {
				return errors.New("--chain-id and --permit are required")
			}
			var permit assets.Permit
			if err := readJSON(file, &permit); err != nil {
				return err
			}
			key, err := loadKey(c)
			if err != nil {
				return err
			}
			if permit.Owner.IsZero() {
				permit.Owner = key.Address()
			}
			if permit.Owner != key.Address() {
				return fmt.Errorf("permit owner %s does not match keystore %s", permit.Owner, key.Address())
			}
			if ttl > 0 {
				permit.Deadline = cliNow().Add(ttl).Unix()
			}
			if err := assets.SignPermit(assets.DomainSeparator(chainID, assets.LedgerAddress), &permit, key); err != nil {
				return fmt.Errorf("sign permit: %w", err)
			}
			return printJSON(c.OutOrStdout(), permit)
		},
	}
	c.Flags().Uint64(chainIDKey, 0, "chain id the permit is bound to")
	c.Flags().String(permitKey, "", "permit JSON file")
	c.Flags().String(keystoreKey, "", "owner keystore path")
	c.Flags().Duration(ttlKey, 0, "set the deadline this far in the future")
	return c
}

type signedExtension struct {
	Hash crypto.Hash           `json:"hash"`
	Req  lending.ExtendRequest `json:"request"`
}

func signExtensionCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "sign-extension",
		Short: "Sign a loan extension proposal",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			flags := c.Flags()
			chainID, _ := flags.GetUint64(chainIDKey)
			file, _ := flags.GetString(extensionKey)
			engineAddr, _ := flags.GetString(engineKey)
			if chainID == 0 || file == "" {
				return errors.New("--chain-id and --extension are required")
			}
			engine := nodecfg.DefaultContracts().Engine
			if engineAddr != "" {
				addr, err := crypto.DecodeAddress(engineAddr)
				if err != nil {
					return fmt.Errorf("invalid --engine: %w", err)
				}
				engine = addr
			}
			var ext lending.Extension
			if err := readJSON(file, &ext); err != nil {
				return err
			}
			key, err := loadKey(c)
			if err != nil {
				return err
			}
			if ext.Proposer.IsZero() {
				ext.Proposer = key.Address()
			}
			hash, err := lending.ExtensionDigest(chainID, engine, ext)
			if err != nil {
				return err
			}
			sig, err := crypto.Sign(hash, key)
			if err != nil {
				return fmt.Errorf("sign: %w", err)
			}
			return printJSON(c.OutOrStdout(), signedExtension{Hash: hash, Req: lending.ExtendRequest{Extension: ext, Signature: sig}})
		},
	}
	c.Flags().Uint64(chainIDKey, 0, "chain id the signature is bound to")
	c.Flags().String(extensionKey, "", "extension JSON file")
	c.Flags().String(engineKey, "", "lending engine address (defaults to the built-in deployment)")
	c.Flags().String(keystoreKey, "", "proposer keystore path")
	return c
}

func issueTokenCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a bearer token for the lendingd API",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			flags := c.Flags()
			secretEnv, _ := flags.GetString("secret-env")
			subject, _ := flags.GetString("subject")
			issuer, _ := flags.GetString("issuer")
			audience, _ := flags.GetString("audience")
			ttl, _ := flags.GetDuration(ttlKey)
			secret := lookupEnv(secretEnv)
			if secret == "" {
				return fmt.Errorf("$%s is empty", secretEnv)
			}
			addr, err := crypto.DecodeAddress(subject)
			if err != nil {
				return fmt.Errorf("invalid --subject: %w", err)
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			token, err := server.IssueToken(secret, addr, issuer, audience, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), token)
			return nil
		},
	}
	flags := c.Flags()
	flags.String("secret-env", "LENDINGD_HMAC_SECRET", "environment variable holding the HMAC secret")
	flags.String("subject", "", "caller address the token acts as")
	flags.String("issuer", "", "token issuer")
	flags.String("audience", "", "token audience")
	flags.Duration(ttlKey, time.Hour, "token lifetime")
	return c
}

func passphrase(c *cobra.Command) (string, error) {
	envVar, _ := c.Flags().GetString(passEnvKey)
	envVar = strings.TrimSpace(envVar)
	pass := lookupEnv(envVar)
	if pass == "" {
		return "", fmt.Errorf("keystore passphrase not set: export %s", envVar)
	}
	return pass, nil
}

func loadKey(c *cobra.Command) (*crypto.PrivateKey, error) {
	path, _ := c.Flags().GetString(keystoreKey)
	if path == "" {
		return nil, errors.New("--keystore is required")
	}
	pass, err := passphrase(c)
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("load keystore: %w", err)
	}
	return key, nil
}

func readJSON(path string, dst interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	decoder := json.NewDecoder(strings.NewReader(string(raw)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
