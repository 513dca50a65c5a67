package chatsync

// legacyMatch decides conversation membership for payloads that carry no
// conversation id. Older backend builds emit only sender and recipient, so
// a message belongs to the conversation when it travels between the local
// user and the counterparty in either direction, or when its sender is the
// counterparty and no recipient is given.
//
// This is a heuristic kept for payload compatibility only. Remove it once
// every backend emits chatId.
func legacyMatch(msg Message, counterpartyID, localUserID string) bool {
	if counterpartyID == "" {
		return false
	}
	sender, recipient := msg.OriginalSenderID, msg.RecipientID
	switch {
	case sameUser(sender, counterpartyID):
		return recipient == "" || localUserID == "" || sameUser(recipient, localUserID)
	case sameUser(recipient, counterpartyID):
		return sender == "" || localUserID == "" || sameUser(sender, localUserID)
	}
	return false
}
