// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/keywarden/cmd/keywarden/cli"
	"github.com/bureau-foundation/keywarden/lib/nodeagent"
	"github.com/bureau-foundation/keywarden/lib/pqc"
	"github.com/bureau-foundation/keywarden/lib/schema"
	"github.com/bureau-foundation/keywarden/lib/sealed"
	"github.com/bureau-foundation/keywarden/lib/secret"
	"github.com/bureau-foundation/keywarden/lib/service"
)

func keygenCommand(out io.Writer) *cli.Command {
	var (
		id             string
		outputDir      string
		kemName        string
		signatureName  string
		recipient      string
		machineKeyPath string
		passphraseFile string
	)
	return &cli.Command{
		Name:    "keygen",
		Summary: "Generate a node identity",
		Description: `Generate a long-term identity (KEM keypair and signing keypair) for an
agent or the orchestrator. Two files are written to the output
directory:

  ID.identity  the private identity, sealed with age
  ID.pub       the public identity, distributed to peers

The identity is sealed to an age machine key (--recipient, or a fresh
key written with --machine-key) or to a passphrase (--passphrase-file,
or an interactive prompt).`,
		Usage: "keywarden keygen --id ID [flags]",
		Examples: []cli.Example{
			{
				Description: "Generate node-a's identity sealed to a new machine key",
				Command:     "keywarden keygen --id node-a --machine-key /etc/keywarden/machine.key --out /etc/keywarden",
			},
			{
				Description: "Generate the orchestrator identity with a passphrase prompt",
				Command:     "keywarden keygen --id orchestrator",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
			flags.StringVar(&id, "id", "", "identity ID (node ID, or the orchestrator's ID)")
			flags.StringVar(&outputDir, "out", ".", "directory for ID.identity and ID.pub")
			flags.StringVar(&kemName, "kem", pqc.DefaultKEM, "key encapsulation mechanism")
			flags.StringVar(&signatureName, "signature", pqc.DefaultSignature, "signature scheme")
			flags.StringVar(&recipient, "recipient", "", "age public key (age1...) to seal the identity to")
			flags.StringVar(&machineKeyPath, "machine-key", "", "write a new age machine key here and seal to it")
			flags.StringVar(&passphraseFile, "passphrase-file", "", `file holding the sealing passphrase, or "-" for stdin`)
			return flags
		},
		Run: func(args []string) error {
			if err := exactArgs("keygen", args, 0, "--id ID [flags]"); err != nil {
				return err
			}
			if id == "" {
				return errors.New("--id is required")
			}
			seal, release, err := sealer(recipient, machineKeyPath, passphraseFile, out)
			if err != nil {
				return err
			}
			defer release()

			identity, err := pqc.GenerateIdentity(id, kemName, signatureName)
			if err != nil {
				return err
			}
			defer identity.Close()

			privatePath := filepath.Join(outputDir, id+".identity")
			publicPath := filepath.Join(outputDir, id+".pub")
			if _, err := os.Stat(publicPath); err == nil {
				return fmt.Errorf("%s already exists", publicPath)
			}
			if err := pqc.WriteIdentityFile(privatePath, identity, seal); err != nil {
				return err
			}
			if err := pqc.WritePublicFile(publicPath, identity.Public()); err != nil {
				return err
			}

			public := identity.Public()
			fmt.Fprintf(out, "identity:    %s\n", privatePath)
			fmt.Fprintf(out, "public:      %s\n", publicPath)
			fmt.Fprintf(out, "kem:         %s\n", public.KEMAlgorithm)
			fmt.Fprintf(out, "signature:   %s\n", public.SignatureAlgorithm)
			fmt.Fprintf(out, "fingerprint: %s\n", public.Fingerprint())
			return nil
		},
	}
}

// sealer returns the SealFunc for the chosen sealing method and a
// release function for the secret it holds. At most one of recipient,
// machineKeyPath and passphraseFile may be set; with none, the
// passphrase is prompted for.
func sealer(recipient, machineKeyPath, passphraseFile string, out io.Writer) (pqc.SealFunc, func(), error) {
	chosen := 0
	for _, value := range []string{recipient, machineKeyPath, passphraseFile} {
		if value != "" {
			chosen++
		}
	}
	if chosen > 1 {
		return nil, nil, errors.New("--recipient, --machine-key, and --passphrase-file are mutually exclusive")
	}

	switch {
	case recipient != "":
		if err := sealed.ParsePublicKey(recipient); err != nil {
			return nil, nil, err
		}
		return func(plaintext []byte) ([]byte, error) {
			return sealed.Encrypt(plaintext, []string{recipient})
		}, func() {}, nil

	case machineKeyPath != "":
		keypair, err := sealed.GenerateKeypair()
		if err != nil {
			return nil, nil, err
		}
		defer keypair.Close()
		if err := writeSecretFile(machineKeyPath, keypair.PrivateKey.Bytes()); err != nil {
			return nil, nil, err
		}
		fmt.Fprintf(out, "machine key: %s (%s)\n", machineKeyPath, keypair.PublicKey)
		publicKey := keypair.PublicKey
		return func(plaintext []byte) ([]byte, error) {
			return sealed.Encrypt(plaintext, []string{publicKey})
		}, func() {}, nil
	}

	var passphrase *secret.Buffer
	var err error
	if passphraseFile != "" {
		passphrase, err = secret.ReadFromPath(passphraseFile)
	} else {
		passphrase, err = promptPassphrase()
	}
	if err != nil {
		return nil, nil, err
	}
	return func(plaintext []byte) ([]byte, error) {
		return sealed.EncryptWithPassphrase(plaintext, passphrase)
	}, func() { passphrase.Close() }, nil
}

// promptPassphrase reads a passphrase twice from the terminal with echo
// disabled.
func promptPassphrase() (*secret.Buffer, error) {
	stdin := int(os.Stdin.Fd())
	if !term.IsTerminal(stdin) {
		return nil, errors.New("no terminal available for the passphrase prompt (use --passphrase-file or --recipient)")
	}

	fmt.Fprint(os.Stderr, "Passphrase: ")
	first, err := term.ReadPassword(stdin)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	defer secret.Zero(first)

	fmt.Fprint(os.Stderr, "Confirm passphrase: ")
	second, err := term.ReadPassword(stdin)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase confirmation: %w", err)
	}
	defer secret.Zero(second)

	if subtle.ConstantTimeCompare(first, second) != 1 {
		return nil, errors.New("passphrases do not match")
	}
	if len(first) == 0 {
		return nil, errors.New("passphrase is empty")
	}
	return secret.NewFromBytes(first)
}

// writeSecretFile creates path with owner-only permissions. An existing
// file is never overwritten.
func writeSecretFile(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err = file.Write(data); err == nil {
		_, err = file.Write([]byte("\n"))
	}
	if err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return file.Close()
}

func fingerprintCommand(out io.Writer) *cli.Command {
	var (
		endpoint string
		save     string
		timeout  time.Duration
	)
	return &cli.Command{
		Name:    "fingerprint",
		Summary: "Print the fingerprint of public identities",
		Description: `Print the ID, algorithms, and fingerprint of each public identity file.
With --endpoint, ask a running agent or orchestrator for its public
identity instead; --save writes it to a file for enrollment. Compare
the fingerprint out of band before trusting a fetched identity.`,
		Usage: "keywarden fingerprint FILE... | --endpoint ENDPOINT [--save FILE]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("fingerprint", pflag.ContinueOnError)
			flags.StringVar(&endpoint, "endpoint", "", "agent or orchestrator endpoint to fetch the identity from")
			flags.StringVar(&save, "save", "", "write the fetched public identity to this file")
			flags.DurationVar(&timeout, "timeout", service.DefaultRequestTimeout, "request timeout")
			return flags
		},
		Run: func(args []string) error {
			if endpoint == "" {
				if len(args) == 0 {
					return errors.New("usage: keywarden fingerprint FILE... | --endpoint ENDPOINT")
				}
				if save != "" {
					return errors.New("--save requires --endpoint")
				}
				for _, path := range args {
					public, err := pqc.ReadPublicFile(path)
					if err != nil {
						return err
					}
					printIdentity(out, path, public)
				}
				return nil
			}

			if len(args) != 0 {
				return errors.New("files and --endpoint are mutually exclusive")
			}
			public, err := fetchIdentity(endpoint, timeout)
			if err != nil {
				return err
			}
			printIdentity(out, endpoint, public)
			if save != "" {
				if err := pqc.WritePublicFile(save, public); err != nil {
					return err
				}
				fmt.Fprintf(out, "saved to %s\n", save)
			}
			return nil
		},
	}
}

// fetchIdentity calls the "identity" action and checks the returned
// fingerprint against the decoded identity.
func fetchIdentity(endpoint string, timeout time.Duration) (pqc.PublicIdentity, error) {
	client, err := service.NewServiceClient(endpoint, timeout)
	if err != nil {
		return pqc.PublicIdentity{}, err
	}
	ctx, stop := context.WithTimeout(context.Background(), timeout)
	defer stop()
	var response schema.IdentityResponse
	if err := client.Call(ctx, nodeagent.ActionIdentity, nil, &response); err != nil {
		return pqc.PublicIdentity{}, err
	}
	public, err := pqc.UnmarshalPublicIdentity(response.Identity)
	if err != nil {
		return pqc.PublicIdentity{}, fmt.Errorf("%s returned an invalid identity: %w", endpoint, err)
	}
	if public.ID != response.Node || public.Fingerprint() != response.Fingerprint {
		return pqc.PublicIdentity{}, fmt.Errorf("%s returned an identity inconsistent with its own fingerprint", endpoint)
	}
	return public, nil
}

func printIdentity(out io.Writer, source string, public pqc.PublicIdentity) {
	fmt.Fprintf(out, "%s\n  id:          %s\n  kem:         %s\n  signature:   %s\n  fingerprint: %s\n",
		source, public.ID, public.KEMAlgorithm, public.SignatureAlgorithm, public.Fingerprint())
}
