// Package modmail implements a Discord "modmail" relay bot.
//
// Users send the bot a direct message, and the bot opens a dedicated text
// channel for that user under a configured category, where staff can read
// the conversation and reply. Staff messages in the thread channel are
// relayed back to the user. Each thread channel carries a control message
// with "Close" and "Block User" buttons, and a small set of slash commands
// covers configuration and thread inspection.
//
// Thread state is held in an in-memory registry backed by a SQLite (or
// PostgreSQL) table, and reconciled at startup against the live category
// by parsing channel topics. Mutable bot settings (category, staff roles,
// blocklist, colors, status) live in a flat JSON file on disk.
package modmail
