// cmd_synth.go - synth Command
// Hauptfunktionen: SynthHandler
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Ceng23333/cuda-driver/ml"
	"github.com/Ceng23333/cuda-driver/model/llama"
)

// SynthHandler - Schreibt ein LLaMA-GGUF mit Zufallsgewichten
func SynthHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	var c llama.Config
	for name, dst := range map[string]*uint64{
		"ctx":      &c.NCtx,
		"blocks":   &c.NBlk,
		"embd":     &c.D,
		"heads":    &c.NH,
		"kv-heads": &c.NKVH,
		"head-dim": &c.DH,
		"ffn":      &c.DI,
		"vocab":    &c.NVoc,
	} {
		v, err := flags.GetUint64(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	var err error
	if c.Epsilon, err = flags.GetFloat32("epsilon"); err != nil {
		return err
	}
	if c.Theta, err = flags.GetFloat32("theta"); err != nil {
		return err
	}
	if c.TiedOutput, err = flags.GetBool("tied"); err != nil {
		return err
	}

	dtype, _ := flags.GetString("dtype")
	if c.DType, err = ml.ParseDType(dtype); err != nil {
		return err
	}

	seed, _ := flags.GetUint64("seed")
	return llama.Synthesize(args[0], c, seed)
}

// newSynthCmd - Erstellt den synth Command
func newSynthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "synth OUT.gguf",
		Short: "Write a LLaMA container with random weights",
		Args:  cobra.ExactArgs(1),
		RunE:  SynthHandler,
	}

	cmd.Flags().Uint64("ctx", 512, "Context length")
	cmd.Flags().Uint64("blocks", 2, "Number of transformer blocks")
	cmd.Flags().Uint64("embd", 256, "Embedding length")
	cmd.Flags().Uint64("heads", 8, "Attention heads")
	cmd.Flags().Uint64("kv-heads", 8, "Key/value heads")
	cmd.Flags().Uint64("head-dim", 0, "Head dimension (0 for embd/heads)")
	cmd.Flags().Uint64("ffn", 688, "Feed forward length")
	cmd.Flags().Uint64("vocab", 1024, "Vocabulary size")
	cmd.Flags().Float32("epsilon", 1e-5, "RMS norm epsilon")
	cmd.Flags().Float32("theta", 1e4, "RoPE frequency base")
	cmd.Flags().Bool("tied", false, "Share token_embd.weight with the output head")
	cmd.Flags().String("dtype", "f16", "Weight type (f32, f16, bf16)")
	cmd.Flags().Uint64("seed", 0, "Random seed")
	return cmd
}
