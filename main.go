package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Ceng23333/cuda-driver/cmd"
	_ "github.com/Ceng23333/cuda-driver/gpu/cuda"
	_ "github.com/Ceng23333/cuda-driver/gpu/sim"
	_ "github.com/Ceng23333/cuda-driver/model/llama"
)

func main() {
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
