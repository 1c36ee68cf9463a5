package conversation

// DefaultWindow is the number of non-system turns kept when no window is
// configured.
const DefaultWindow = 20

// Assemble builds the exact turn sequence handed to the completion service.
// The system prompt is inserted at position 0 only when the context carries
// no system turn; newTurns follow the history in caller order; the
// non-system turns are then trimmed to the most recent window. The result
// never holds more than one system turn and it is never trimmed.
func Assemble(c Context, systemPrompt string, newTurns []Turn, window int) []Turn {
	system, hasSystem := c.System()
	if !hasSystem && systemPrompt != "" {
		system = Turn{Role: RoleSystem, Content: systemPrompt}
		hasSystem = true
	}

	dialogue := c.Dialogue()
	for _, t := range newTurns {
		if t.Role == RoleSystem {
			if !hasSystem {
				system, hasSystem = t, true
			}
			continue
		}
		dialogue = append(dialogue, t)
	}
	dialogue = Trim(dialogue, window)

	out := make([]Turn, 0, len(dialogue)+1)
	if hasSystem {
		out = append(out, system)
	}
	return append(out, dialogue...)
}

// Trim keeps the most recent window non-system turns and the first system
// turn, which stays at position 0.
func Trim(turns []Turn, window int) []Turn {
	if window <= 0 {
		window = DefaultWindow
	}
	var (
		system    Turn
		hasSystem bool
		dialogue  = make([]Turn, 0, len(turns))
	)
	for _, t := range turns {
		if t.Role == RoleSystem {
			if !hasSystem {
				system, hasSystem = t, true
			}
			continue
		}
		dialogue = append(dialogue, t)
	}
	if len(dialogue) > window {
		dialogue = dialogue[len(dialogue)-window:]
	}
	if !hasSystem {
		return dialogue
	}
	return append([]Turn{system}, dialogue...)
}
