package cmd

import (
	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for kestrel.

To load completions:

Bash:
  $ source <(kestrel completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ kestrel completion bash > /etc/bash_completion.d/kestrel
  # macOS:
  $ kestrel completion bash > $(brew --prefix)/etc/bash_completion.d/kestrel

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. Execute the following once:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ kestrel completion zsh > "${fpath[1]}/_kestrel"

  # You will need to start a new shell for this setup to take effect.

Fish:
  $ kestrel completion fish | source

  # To load completions for each session, execute once:
  $ kestrel completion fish > ~/.config/fish/completions/kestrel.fish

PowerShell:
  PS> kestrel completion powershell | Out-String | Invoke-Expression

  # To load completions for every new session, run:
  PS> kestrel completion powershell > kestrel.ps1
  # and source this file from your PowerShell profile.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(cmd.OutOrStdout())
		case "zsh":
			return cmd.Root().GenZshCompletion(cmd.OutOrStdout())
		case "fish":
			return cmd.Root().GenFishCompletion(cmd.OutOrStdout(), true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(cmd.OutOrStdout())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
