package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aegis-sign/cardsigner/pkg/apierrors"
	"github.com/aegis-sign/cardsigner/pkg/signer"
	"github.com/aegis-sign/cardsigner/pkg/validator"
)

type signOptions struct {
	params     signer.SignParams
	outDir     string
	verbose    bool
	pkcs11Libs []string
}

func newSignCmd(flags *globalFlags) *cobra.Command {
	opts := &signOptions{params: signer.DefaultSignParams()}
	cmd := &cobra.Command{
		Use:   "sign FILE...",
		Short: "Sign one or more files in a single smartcard session",
		Example: `  # Sign a PDF with a visible signature on the last page
  cardsign sign contract.pdf

  # Produce CAdES envelopes instead of signed PDFs
  cardsign sign --p7m --out-dir signed/ a.pdf b.xml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			agent := cfg.Agent.SignerConfig()
			if len(opts.pkcs11Libs) > 0 {
				agent.PKCS11Libraries = opts.pkcs11Libs
			}
			session := signer.NewSession(signer.WithConfig(agent), signer.WithLogger(logger))
			if opts.verbose {
				if err := session.SetLogHandler(func(msg string) { fmt.Fprintln(cmd.ErrOrStderr(), msg) }); err != nil {
					return err
				}
			}
			return runSign(cmd, session, opts, args)
		},
	}
	cmd.Flags().BoolVar(&opts.params.SignPdfAsP7m, "p7m", opts.params.SignPdfAsP7m, "Wrap PDFs in a PKCS#7 envelope instead of a PAdES signature")
	cmd.Flags().BoolVar(&opts.params.VisibleSignature, "visible", opts.params.VisibleSignature, "Add a visible signature stamp to PDFs")
	cmd.Flags().IntVar(&opts.params.PageNumToSign, "page", opts.params.PageNumToSign, "Page for the visible signature (-1 = last page)")
	cmd.Flags().StringVar(&opts.params.SignPosition, "position", opts.params.SignPosition, "Visible signature position (left, right)")
	cmd.Flags().StringVar(&opts.outDir, "out-dir", "", "Directory for signed files (default: next to the input)")
	cmd.Flags().StringSliceVar(&opts.pkcs11Libs, "pkcs11-lib", nil, "PKCS#11 middleware library for the agent to load (repeatable, overrides config)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Print the session log to stderr")
	return cmd
}

func runSign(cmd *cobra.Command, session *signer.Session, opts *signOptions, files []string) error {
	paths := make(map[string]string, len(files))
	for _, file := range files {
		id := filepath.Base(file)
		if _, dup := paths[id]; dup {
			return fmt.Errorf("duplicate file name %q in one batch", id)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		paths[id] = file
		session.AddData(id, validator.EncodeContent(data), opts.params.Map())
	}

	ex, err := session.Sign(func(any) {}, func(*apierrors.Error) {})
	if err != nil {
		return err
	}
	dataSigned, err := ex.Wait(cmd.Context())
	if err != nil {
		if apiErr, ok := apierrors.FromError(err); ok && apiErr.Code == apierrors.CodeRemoteSigningError {
			return fmt.Errorf("signing agent refused the batch: %s", apiErr.Error())
		}
		return err
	}
	items, err := signer.DecodeSignedItems(dataSigned)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return errors.New("signing agent returned no signed documents")
	}
	for _, item := range items {
		src, ok := paths[item.ID]
		if !ok {
			return fmt.Errorf("signing agent returned unknown id %q", item.ID)
		}
		content, err := validator.DecodeContent(item.ContentB64)
		if err != nil {
			return fmt.Errorf("signed %s: %w", item.ID, err)
		}
		dst := outputPath(src, opts)
		if err := os.WriteFile(dst, content, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", src, dst)
	}
	return nil
}

func outputPath(src string, opts *signOptions) string {
	dir := opts.outDir
	if dir == "" {
		dir = filepath.Dir(src)
	}
	base := filepath.Base(src)
	if opts.params.SignPdfAsP7m || filepath.Ext(base) != ".pdf" {
		return filepath.Join(dir, base+".p7m")
	}
	return filepath.Join(dir, "signed_"+base)
}
