package textheads

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/soundprediction/textheads/pkg/dataset"
	"github.com/soundprediction/textheads/pkg/retroreader"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Apply the Retro-Reader verifier to stored reader scores",
	Long: `Verify reads a parquet file of reader scores (id, score_external,
score_has_answer, score_null, has_answer) and fuses them into
answerable/unanswerable decisions with

    v = beta_1 * (score_has_answer - score_null) + beta_2 * score_external

A row is answerable when v exceeds the threshold. Rows with has_answer >= 0
count towards accuracy; --tune searches the threshold that maximizes it.`,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().String("input", "", "parquet file of verifier scores")
	verifyCmd.Flags().Float64("beta1", 0, "weight of the intensive score")
	verifyCmd.Flags().Float64("beta2", 0, "weight of the sketchy score")
	verifyCmd.Flags().Float64("threshold", 0, "decision threshold")
	verifyCmd.Flags().Bool("tune", false, "report the threshold with the best accuracy")
	verifyCmd.MarkFlagRequired("input")
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	v := retroreader.Verifier{
		Beta1:     cfg.RetroReader.Beta1,
		Beta2:     cfg.RetroReader.Beta2,
		Threshold: cfg.RetroReader.Threshold,
	}
	if cmd.Flags().Changed("beta1") {
		v.Beta1, _ = cmd.Flags().GetFloat64("beta1")
	}
	if cmd.Flags().Changed("beta2") {
		v.Beta2, _ = cmd.Flags().GetFloat64("beta2")
	}
	if cmd.Flags().Changed("threshold") {
		v.Threshold, _ = cmd.Flags().GetFloat64("threshold")
	}

	path, _ := cmd.Flags().GetString("input")
	rows, err := dataset.ReadVerifierRows(path)
	if err != nil {
		return err
	}

	report := verifyRows(rows, v)
	if err := report.Print(cmd.OutOrStdout()); err != nil {
		return err
	}

	if tune, _ := cmd.Flags().GetBool("tune"); tune {
		threshold, acc, ok := bestThreshold(rows, v)
		if !ok {
			return fmt.Errorf("no labeled rows to tune on")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "best_threshold\t%.6f\nbest_accuracy\t%.4f\n", threshold, acc)
	}
	return nil
}

// verifyReport summarizes verifier decisions over a score file.
type verifyReport struct {
	Total    int
	Verified int
	Labeled  int
	Correct  int
}

// Accuracy is the share of labeled rows decided correctly.
func (r verifyReport) Accuracy() float64 {
	if r.Labeled == 0 {
		return 0
	}
	return float64(r.Correct) / float64(r.Labeled)
}

func (r verifyReport) Print(w io.Writer) error {
	_, err := fmt.Fprintf(w, "rows\t%d\nanswerable\t%d\nlabeled\t%d\naccuracy\t%.4f\n",
		r.Total, r.Verified, r.Labeled, r.Accuracy())
	return err
}

func verifyRows(rows []dataset.VerifierRow, v retroreader.Verifier) verifyReport {
	var r verifyReport
	for _, row := range rows {
		d := v.Decide(row.ScoreHasAnswer, row.ScoreNull, row.ScoreExternal)
		r.Total++
		if d.Verified {
			r.Verified++
		}
		if row.HasAnswer < 0 {
			continue
		}
		r.Labeled++
		if d.Verified == (row.HasAnswer > 0) {
			r.Correct++
		}
	}
	return r
}

// bestThreshold returns the threshold maximizing accuracy on labeled rows
// together with that accuracy. Candidates are the fused scores themselves
// plus one below the smallest, so every distinct split is tried once.
func bestThreshold(rows []dataset.VerifierRow, v retroreader.Verifier) (threshold, accuracy float64, ok bool) {
	type scored struct {
		s        float64
		positive bool
	}
	var items []scored
	positives := 0
	for _, row := range rows {
		if row.HasAnswer < 0 {
			continue
		}
		p := row.HasAnswer > 0
		if p {
			positives++
		}
		items = append(items, scored{v.Score(row.ScoreHasAnswer, row.ScoreNull, row.ScoreExternal), p})
	}
	n := len(items)
	if n == 0 {
		return 0, 0, false
	}
	sort.Slice(items, func(i, j int) bool { return items[i].s < items[j].s })

	// Threshold below everything: all rows answerable
	threshold = items[0].s - 1
	best := positives

	negBelow, posBelow := 0, 0
	for k := 0; k < n; k++ {
		if items[k].positive {
			posBelow++
		} else {
			negBelow++
		}
		if k+1 < n && items[k+1].s == items[k].s {
			continue
		}
		// Rows up to k are at or below the threshold and predicted unanswerable
		if correct := negBelow + positives - posBelow; correct > best {
			best = correct
			threshold = items[k].s
		}
	}
	return threshold, float64(best) / float64(n), true
}
