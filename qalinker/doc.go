// Package qalinker implements a Discord bot that links answers to the
// questions they answer, and points people at earlier answers when a
// question gets asked again.
//
// Each incoming channel message is embedded into a vector space, classified
// as a question, an answer or other chatter, and recorded in a bounded
// in-memory history. Answers are linked to the most similar recent question
// in the same channel. New questions are compared against every question
// still in history, and when a close match already has an answer, the bot
// replies with it.
//
// Key components of the package include:
//
//   - QALinker: The main struct that wires everything together and runs the bot.
//   - Embedder: Converts text to a normalized vector (OpenAI or local hashing).
//   - IntentClassifier: Labels messages using prototype phrases and lexical priors.
//   - History: Bounded message history with an SRP nearest-neighbor index.
//   - Linker: Links answers to questions, and finds prior similar questions.
//   - Pipeline: Runs embed, classify, link-or-suggest for one message at a time.
//   - Discord: Handles the Discord gateway session, replies and commands.
//   - API: Serves health, metrics and read-only history endpoints.
//
// The bot supports one slash command:
//
//   - /similar: Lists previously asked questions similar to the given text.
package qalinker
