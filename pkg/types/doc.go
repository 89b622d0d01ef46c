// Package types defines the core data types shared by the textheads packages.
//
// This package contains the values that flow through the two pipelines:
//   - Document / Segment: tokenized pretraining input
//   - Instance: a (segment A, segment B) pair produced by the document sampler
//   - MaskedToken: a masked-LM prediction target
//   - Example: the fixed-shape tuple fed to an encoder
//   - VerifierDecision: the per-example outcome of the retro-reader verifier
//
// # Special tokens
//
// The structural tokens are exported as constants so that samplers, maskers
// and the example builder agree on them:
//
//	tokens := []string{types.TokenCLS, "the", "cat", types.TokenSEP}
package types
