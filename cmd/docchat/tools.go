package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgallion1/docchat/internal/chunker"
	"github.com/dgallion1/docchat/internal/doctree"
	"github.com/dgallion1/docchat/internal/parser"
	"github.com/dgallion1/docchat/internal/reconcile"
	"github.com/dgallion1/docchat/internal/tokenizer"
	"github.com/spf13/cobra"
)

type treeOptions struct {
	docID string
	title string
}

func (o *treeOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.docID, "doc-id", "", "Document id used for section ids (default: file name)")
	cmd.Flags().StringVar(&o.title, "title", "", "Title for text before the first heading")
}

// build reads path as markdown and returns its section forest.
func (o *treeOptions) build(path string) ([]*doctree.SectionNode, error) {
	ex, err := parser.ForFile(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	md, err := ex.Extract(f, filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", path, err)
	}

	docID := o.docID
	if docID == "" {
		docID = filepath.Base(path)
	}
	b := &parser.TreeBuilder{DocumentID: docID, PreambleTitle: o.title}
	return b.BuildString(md), nil
}

func newTreeCmd() *cobra.Command {
	var opts treeOptions
	cmd := &cobra.Command{
		Use:   "tree FILE",
		Short: "Print the section tree of a document as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			forest, err := opts.build(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(forest)
		},
	}
	opts.register(cmd)
	return cmd
}

func newChunkCmd() *cobra.Command {
	var opts treeOptions
	cmd := &cobra.Command{
		Use:   "chunk FILE",
		Short: "Print the section chunks of a document as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			counter, err := tokenizer.New(cfg.TokenizerEncoding)
			if err != nil {
				return err
			}
			c, err := chunker.New(chunker.Config{ChunkSize: cfg.Chunk.Size, ChunkOverlap: cfg.Chunk.Overlap}, counter)
			if err != nil {
				return err
			}
			forest, err := opts.build(args[0])
			if err != nil {
				return err
			}
			chunks, err := c.ChunkSections(forest)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, ch := range chunks {
				if err := enc.Encode(ch); err != nil {
					return err
				}
			}
			return nil
		},
	}
	opts.register(cmd)
	return cmd
}

type reconcileReport struct {
	LayoutChunks int                        `json:"layout_chunks"`
	Strategies   map[reconcile.Strategy]int `json:"strategies"`
	Results      []reconcile.Result         `json:"results"`
	Sections     []*doctree.SectionNode     `json:"sections"`
}

func newReconcileCmd() *cobra.Command {
	var opts treeOptions
	cmd := &cobra.Command{
		Use:   "reconcile FILE.md LAYOUT",
		Short: "Correct a markdown document against layout text (.txt or .pdf)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := cfg.RequireLLM(); err != nil {
				log.Warn("no llm configured; chunks needing correction will be reported as errors", "error", err)
			}
			cfg.Reconcile.Enabled = true

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			layoutText, err := readLayout(cmd, args[1], cfg.PDFFallbackPdftotext)
			if err != nil {
				return err
			}
			forest, err := opts.build(args[0])
			if err != nil {
				return err
			}
			chunks, err := a.chunker.ChunkSections(forest)
			if err != nil {
				return err
			}

			out, err := a.worker.ReconcileDocument(cmd.Context(), forest, chunks, layoutText)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(reconcileReport{
				LayoutChunks: out.LayoutChunks,
				Strategies:   reconcile.Tally(out.Results),
				Results:      out.Results,
				Sections:     out.Forest,
			})
		},
	}
	opts.register(cmd)
	return cmd
}

func readLayout(cmd *cobra.Command, path string, pdftotext bool) (string, error) {
	if !parser.IsLayoutSource(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	ex := &parser.LayoutExtractor{FallbackPdftotext: pdftotext}
	text, err := ex.Extract(cmd.Context(), f)
	if err != nil {
		return "", fmt.Errorf("layout %s: %w", path, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("layout %s: no text", path)
	}
	return text, nil
}
