// Package debatedragon implements a Discord bot that watches one member of
// a guild, and posts a notification when they send too many messages in a
// row.
//
// Every message from the monitored author (in the monitored guild) is run
// through a [RamblingDetector], which keeps a single persisted counter.
// Consecutive messages less than [RamblingConfig.WindowMinutes] apart
// increment it, a larger gap resets it, and exceeding
// [RamblingConfig.MessageLimit] sends a notification to the configured
// channel and starts over.
//
// Key components of the package include:
//
//   - DebateDragon: The application context, created with [New] and started with [DebateDragon.Run].
//   - RamblingDetector: The counter state machine, persisted with gorm.
//   - Notifier: Resolves the notification channel and sends notifications.
//   - Discord: The gateway session, its handlers, and command registration.
//   - API: A small status API (health, rambling state, subscribers, metrics).
//
// The bot registers these slash commands:
//
//   - /ping: Replies with "Pong!".
//   - /rambles: Shows the current counter.
//   - /subscribe, /unsubscribe: Opt in to (or out of) being mentioned in notifications.
package debatedragon
