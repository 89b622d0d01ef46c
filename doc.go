// Package textheads builds masked-LM training examples and provides the task
// heads that consume encoder outputs, including Retro-Reader decision fusion.
//
// # Building examples
//
// An LM converts raw or pre-tokenized documents into fixed-shape examples.
// In training mode with sentence sampling on, every document is split into
// sentence pairs by the document sampler, each pair gets a sentence-order
// label, and the span masker chooses masked-LM targets:
//
//	v, err := vocab.LoadFile("vocab.txt")
//	if err != nil {
//		log.Fatal(err)
//	}
//	lm, err := textheads.NewLM(tokenizer.New(v), textheads.DefaultConfig(),
//		textheads.WithRand(rand.New(rand.NewPCG(1, 2))))
//	if err != nil {
//		log.Fatal(err)
//	}
//	batch, err := lm.Convert(ctx, []textheads.Input{
//		{Segments: []string{"The cat sat.", "It was happy."}},
//	}, nil, nil, true)
//
// Every Example in the batch has input ids, mask and segment ids padded to
// MaxSeqLength and masked-LM slots padded to
// MaxPredictionsPerSeq·(1+DoPermutation).
//
// # Heads
//
// Package heads offers classifier, multi-label, sequence labeling, MRC, LM
// and Retro-Reader decoders behind a single Head interface. Package
// retroreader holds the two-stage Retro-Reader and its threshold verifier.
//
// # Command line
//
// cmd/textheads wraps the builder in a CLI that reads compressed corpora,
// writes parquet shards to a local directory or an S3-compatible bucket and
// re-scores stored verifier outputs.
package textheads
