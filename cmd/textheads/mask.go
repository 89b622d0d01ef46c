package textheads

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/soundprediction/textheads/pkg/config"
	"github.com/soundprediction/textheads/pkg/masking"
	"github.com/soundprediction/textheads/pkg/tokenizer"
	"github.com/soundprediction/textheads/pkg/vocab"
)

var maskCmd = &cobra.Command{
	Use:   "mask [flags] TEXT...",
	Short: "Print one span-masking draw for a piece of text",
	Long: `Mask tokenizes TEXT with the vocabulary given by --vocab (or splits it on
whitespace when no vocabulary is given) and prints the masked sequence
followed by one "position original" line per masked position.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMask,
}

func init() {
	rootCmd.AddCommand(maskCmd)

	maskCmd.Flags().String("vocab", "", "WordPiece vocabulary file")
	maskCmd.Flags().Uint64("seed", 0, "random seed")
}

func runMask(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("vocab") {
		cfg.Data.Vocab, _ = cmd.Flags().GetString("vocab")
	}
	if cmd.Flags().Changed("seed") {
		cfg.LM.Seed, _ = cmd.Flags().GetUint64("seed")
	}
	if err := cfg.Builder().Validate(); err != nil {
		return err
	}

	text := strings.Join(args, " ")
	var tokens []string
	var v *vocab.Vocab
	if cfg.Data.Vocab != "" {
		v, err = vocab.LoadFile(cfg.Data.Vocab)
		if err != nil {
			return err
		}
		tokens = tokenizer.New(v, tokenizer.WithLowerCase(cfg.LM.DoLowerCase)).Tokenize(text)
	} else {
		tokens = strings.Fields(text)
		v = vocab.New(tokens)
	}

	return printMask(cmd.OutOrStdout(), tokens, cfg, v)
}

// maskOptions maps the lm section to span masker options.
func maskOptions(cfg *config.Config) masking.Options {
	return masking.Options{
		MaskedLMProb:         cfg.LM.MaskedLMProb,
		MaxPredictionsPerSeq: cfg.LM.MaxPredictionsPerSeq,
		NGram:                cfg.LM.NGram,
		FavorShorterNGram:    cfg.LM.FavorShorterNGram,
		WholeWordMask:        cfg.LM.DoWholeWordMask,
		DoPermutation:        cfg.LM.DoPermutation,
	}
}

func printMask(w io.Writer, tokens []string, cfg *config.Config, v masking.Vocabulary) error {
	res := masking.MaskSpans(tokens, maskOptions(cfg), v, shardRand(cfg.LM.Seed, 0))
	if _, err := fmt.Fprintln(w, strings.Join(res.Tokens, " ")); err != nil {
		return err
	}
	for _, m := range res.MaskedTokens() {
		if _, err := fmt.Fprintf(w, "%d\t%s\n", m.Position, m.Original); err != nil {
			return err
		}
	}
	return nil
}
