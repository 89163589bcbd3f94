package wire

// Command codes are stable u32 constants. Groups follow the resource they
// operate on; gaps leave room for future commands without renumbering.
const (
	CommandPing     uint32 = 1
	CommandGetStats uint32 = 10
	CommandGetMe    uint32 = 20
	CommandGetClient  uint32 = 21
	CommandGetClients uint32 = 22

	CommandLoginUser        uint32 = 38
	CommandLogoutUser       uint32 = 39
	CommandGetUser          uint32 = 31
	CommandGetUsers         uint32 = 32
	CommandCreateUser       uint32 = 33
	CommandDeleteUser       uint32 = 34
	CommandUpdateUser       uint32 = 35
	CommandChangePassword   uint32 = 36
	CommandUpdatePermissions uint32 = 37

	CommandGetAccessToken     uint32 = 41
	CommandGetAccessTokens    uint32 = 42
	CommandCreateAccessToken  uint32 = 43
	CommandDeleteAccessToken  uint32 = 44
	CommandLoginWithAccessToken uint32 = 45

	CommandPollMessages uint32 = 100
	CommandSendMessages uint32 = 101

	CommandGetConsumerOffset   uint32 = 120
	CommandStoreConsumerOffset uint32 = 121

	CommandGetStream    uint32 = 200
	CommandGetStreams   uint32 = 201
	CommandCreateStream uint32 = 202
	CommandDeleteStream uint32 = 203
	CommandUpdateStream uint32 = 204
	CommandPurgeStream  uint32 = 205

	CommandGetTopic    uint32 = 300
	CommandGetTopics   uint32 = 301
	CommandCreateTopic uint32 = 302
	CommandDeleteTopic uint32 = 303
	CommandUpdateTopic uint32 = 304
	CommandPurgeTopic  uint32 = 305

	CommandCreatePartitions uint32 = 402
	CommandDeletePartitions uint32 = 403

	CommandGetConsumerGroup    uint32 = 600
	CommandGetConsumerGroups   uint32 = 601
	CommandCreateConsumerGroup uint32 = 602
	CommandDeleteConsumerGroup uint32 = 603
	CommandJoinConsumerGroup   uint32 = 604
	CommandLeaveConsumerGroup  uint32 = 605
)

var commandNames = map[uint32]string{
	CommandPing:                 "ping",
	CommandGetStats:             "get_stats",
	CommandGetMe:                "get_me",
	CommandGetClient:            "get_client",
	CommandGetClients:           "get_clients",
	CommandLoginUser:            "login_user",
	CommandLogoutUser:           "logout_user",
	CommandGetUser:              "get_user",
	CommandGetUsers:             "get_users",
	CommandCreateUser:           "create_user",
	CommandDeleteUser:           "delete_user",
	CommandUpdateUser:           "update_user",
	CommandChangePassword:       "change_password",
	CommandUpdatePermissions:    "update_permissions",
	CommandGetAccessToken:       "get_access_token",
	CommandGetAccessTokens:      "get_access_tokens",
	CommandCreateAccessToken:    "create_access_token",
	CommandDeleteAccessToken:    "delete_access_token",
	CommandLoginWithAccessToken: "login_with_access_token",
	CommandPollMessages:         "poll_messages",
	CommandSendMessages:         "send_messages",
	CommandGetConsumerOffset:    "get_consumer_offset",
	CommandStoreConsumerOffset:  "store_consumer_offset",
	CommandGetStream:            "get_stream",
	CommandGetStreams:           "get_streams",
	CommandCreateStream:         "create_stream",
	CommandDeleteStream:         "delete_stream",
	CommandUpdateStream:         "update_stream",
	CommandPurgeStream:          "purge_stream",
	CommandGetTopic:             "get_topic",
	CommandGetTopics:            "get_topics",
	CommandCreateTopic:          "create_topic",
	CommandDeleteTopic:          "delete_topic",
	CommandUpdateTopic:          "update_topic",
	CommandPurgeTopic:           "purge_topic",
	CommandCreatePartitions:     "create_partitions",
	CommandDeletePartitions:     "delete_partitions",
	CommandGetConsumerGroup:     "get_consumer_group",
	CommandGetConsumerGroups:    "get_consumer_groups",
	CommandCreateConsumerGroup:  "create_consumer_group",
	CommandDeleteConsumerGroup:  "delete_consumer_group",
	CommandJoinConsumerGroup:    "join_consumer_group",
	CommandLeaveConsumerGroup:   "leave_consumer_group",
}

// CommandName returns a human-readable name for logging.
func CommandName(code uint32) string {
	if name, ok := commandNames[code]; ok {
		return name
	}
	return "unknown"
}

// IsMutating reports whether the command writes a state-journal entry.
func IsMutating(code uint32) bool {
	switch code {
	case CommandCreateStream, CommandDeleteStream, CommandUpdateStream, CommandPurgeStream,
		CommandCreateTopic, CommandDeleteTopic, CommandUpdateTopic, CommandPurgeTopic,
		CommandCreatePartitions, CommandDeletePartitions,
		CommandCreateConsumerGroup, CommandDeleteConsumerGroup,
		CommandCreateUser, CommandDeleteUser, CommandUpdateUser,
		CommandChangePassword, CommandUpdatePermissions,
		CommandCreateAccessToken, CommandDeleteAccessToken:
		return true
	}
	return false
}
