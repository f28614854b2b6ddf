package main

import "github.com/raup20/DiscordDeduplicationInformationRetrievalBot/cmd"

func main() {
	cmd.Execute()
}
