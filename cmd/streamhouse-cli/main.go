// Command streamhouse-cli is the administrative CLI. It speaks the binary
// TCP protocol through pkg/client.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/streamhouse/streamhouse/pkg/client"
	"github.com/streamhouse/streamhouse/pkg/identifier"
	"github.com/streamhouse/streamhouse/pkg/messages"
)

type cliContext struct {
	client *client.Client
}

type globals struct {
	Addr     string `help:"Broker TCP address." default:"127.0.0.1:8090"`
	Username string `help:"Username to authenticate with." default:"root"`
	Password string `help:"Password to authenticate with." env:"STREAMHOUSE_CLI_PASSWORD"`
	Token    string `help:"Personal access token; used instead of the password when set." env:"STREAMHOUSE_CLI_TOKEN"`
}

type pingCmd struct{}

func (c *pingCmd) Run(ctx *cliContext) error {
	version, err := ctx.client.Ping()
	if err != nil {
		return err
	}
	fmt.Printf("pong (protocol version %d)\n", version)
	return nil
}

type statsCmd struct{}

func (c *statsCmd) Run(ctx *cliContext) error {
	stats, err := ctx.client.GetStats()
	if err != nil {
		return err
	}
	fmt.Println(stats)
	return nil
}

type streamCreateCmd struct {
	ID   uint32 `help:"Stream id; 0 picks the next free one."`
	Name string `arg:"" help:"Stream name."`
}

func (c *streamCreateCmd) Run(ctx *cliContext) error {
	return ctx.client.CreateStream(c.ID, c.Name)
}

type streamDeleteCmd struct {
	Stream string `arg:"" help:"Stream id or name."`
}

func (c *streamDeleteCmd) Run(ctx *cliContext) error {
	id, err := identifier.FromString(c.Stream)
	if err != nil {
		return err
	}
	return ctx.client.DeleteStream(id)
}

type topicCreateCmd struct {
	Stream     string `arg:"" help:"Stream id or name."`
	Name       string `arg:"" help:"Topic name."`
	ID         uint32 `help:"Topic id; 0 picks the next free one."`
	Partitions uint32 `help:"Partition count." default:"1"`
}

func (c *topicCreateCmd) Run(ctx *cliContext) error {
	streamID, err := identifier.FromString(c.Stream)
	if err != nil {
		return err
	}
	return ctx.client.CreateTopic(streamID, c.ID, c.Partitions, c.Name)
}

type topicDeleteCmd struct {
	Stream string `arg:"" help:"Stream id or name."`
	Topic  string `arg:"" help:"Topic id or name."`
}

func (c *topicDeleteCmd) Run(ctx *cliContext) error {
	streamID, err := identifier.FromString(c.Stream)
	if err != nil {
		return err
	}
	topicID, err := identifier.FromString(c.Topic)
	if err != nil {
		return err
	}
	return ctx.client.DeleteTopic(streamID, topicID)
}

type messageSendCmd struct {
	Stream    string   `arg:"" help:"Stream id or name."`
	Topic     string   `arg:"" help:"Topic id or name."`
	Payloads  []string `arg:"" help:"Message payloads."`
	Partition uint32   `help:"Explicit partition id; 0 routes by --key when set, otherwise balanced."`
	Key       string   `help:"Message key for hash routing."`
}

func (c *messageSendCmd) Run(ctx *cliContext) error {
	streamID, err := identifier.FromString(c.Stream)
	if err != nil {
		return err
	}
	topicID, err := identifier.FromString(c.Topic)
	if err != nil {
		return err
	}

	partitioning := messages.Balanced()
	if c.Partition != 0 {
		partitioning = messages.ByPartitionID(c.Partition)
	} else if c.Key != "" {
		partitioning = messages.ByMessageKey([]byte(c.Key))
	}

	msgs := make([]*messages.Message, 0, len(c.Payloads))
	for _, p := range c.Payloads {
		msgs = append(msgs, &messages.Message{Payload: []byte(p)})
	}
	partition, err := ctx.client.SendMessages(streamID, topicID, partitioning, msgs)
	if err != nil {
		return err
	}
	fmt.Printf("sent %d messages to partition %d\n", len(msgs), partition)
	return nil
}

type messagePollCmd struct {
	Stream    string `arg:"" help:"Stream id or name."`
	Topic     string `arg:"" help:"Topic id or name."`
	Partition uint32 `help:"Partition id." default:"1"`
	Consumer  uint32 `help:"Consumer id." default:"1"`
	Count     uint32 `help:"Message count." default:"10"`
	Offset    int64  `help:"Start offset; -1 polls the next unread messages." default:"-1"`
	Commit    bool   `help:"Auto-commit the consumer offset."`
}

func (c *messagePollCmd) Run(ctx *cliContext) error {
	streamID, err := identifier.FromString(c.Stream)
	if err != nil {
		return err
	}
	topicID, err := identifier.FromString(c.Topic)
	if err != nil {
		return err
	}

	strategy := messages.NextStrategy()
	if c.Offset >= 0 {
		strategy = messages.OffsetStrategy(uint64(c.Offset))
	}
	partition, msgs, err := ctx.client.PollMessages(messages.NewConsumer(c.Consumer),
		streamID, topicID, c.Partition, strategy, c.Count, c.Commit)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		fmt.Printf("partition=%d offset=%d timestamp=%d payload=%q\n",
			partition, m.Offset, m.Timestamp, string(m.Payload))
	}
	return nil
}

type offsetGetCmd struct {
	Stream    string `arg:"" help:"Stream id or name."`
	Topic     string `arg:"" help:"Topic id or name."`
	Partition uint32 `help:"Partition id." default:"1"`
	Consumer  uint32 `help:"Consumer id." default:"1"`
}

func (c *offsetGetCmd) Run(ctx *cliContext) error {
	streamID, err := identifier.FromString(c.Stream)
	if err != nil {
		return err
	}
	topicID, err := identifier.FromString(c.Topic)
	if err != nil {
		return err
	}
	offset, ok, err := ctx.client.GetConsumerOffset(messages.NewConsumer(c.Consumer),
		streamID, topicID, c.Partition)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("no stored offset")
		return nil
	}
	fmt.Printf("offset=%d\n", offset)
	return nil
}

type offsetSetCmd struct {
	Stream    string `arg:"" help:"Stream id or name."`
	Topic     string `arg:"" help:"Topic id or name."`
	Offset    uint64 `arg:"" help:"Offset to store."`
	Partition uint32 `help:"Partition id." default:"1"`
	Consumer  uint32 `help:"Consumer id." default:"1"`
}

func (c *offsetSetCmd) Run(ctx *cliContext) error {
	streamID, err := identifier.FromString(c.Stream)
	if err != nil {
		return err
	}
	topicID, err := identifier.FromString(c.Topic)
	if err != nil {
		return err
	}
	return ctx.client.StoreConsumerOffset(messages.NewConsumer(c.Consumer),
		streamID, topicID, c.Partition, c.Offset)
}

type groupCreateCmd struct {
	Stream string `arg:"" help:"Stream id or name."`
	Topic  string `arg:"" help:"Topic id or name."`
	Name   string `arg:"" help:"Group name."`
	ID     uint32 `help:"Group id; 0 picks the next free one."`
}

func (c *groupCreateCmd) Run(ctx *cliContext) error {
	streamID, err := identifier.FromString(c.Stream)
	if err != nil {
		return err
	}
	topicID, err := identifier.FromString(c.Topic)
	if err != nil {
		return err
	}
	return ctx.client.CreateConsumerGroup(streamID, topicID, c.ID, c.Name)
}

var cli struct {
	globals

	Ping  pingCmd  `cmd:"" help:"Check broker liveness."`
	Stats statsCmd `cmd:"" help:"Show broker statistics."`

	Stream struct {
		Create streamCreateCmd `cmd:"" help:"Create a stream."`
		Delete streamDeleteCmd `cmd:"" help:"Delete a stream."`
	} `cmd:"" help:"Manage streams."`

	Topic struct {
		Create topicCreateCmd `cmd:"" help:"Create a topic."`
		Delete topicDeleteCmd `cmd:"" help:"Delete a topic."`
	} `cmd:"" help:"Manage topics."`

	Message struct {
		Send messageSendCmd `cmd:"" help:"Send messages."`
		Poll messagePollCmd `cmd:"" help:"Poll messages."`
	} `cmd:"" help:"Send and poll messages."`

	Offset struct {
		Get offsetGetCmd `cmd:"" help:"Read a stored consumer offset."`
		Set offsetSetCmd `cmd:"" help:"Store a consumer offset."`
	} `cmd:"" help:"Manage consumer offsets."`

	Group struct {
		Create groupCreateCmd `cmd:"" help:"Create a consumer group."`
	} `cmd:"" help:"Manage consumer groups."`
}

func main() {
	ktx := kong.Parse(&cli,
		kong.Name("streamhouse-cli"),
		kong.Description("Administrative CLI for the streamhouse broker."),
		kong.UsageOnError(),
	)

	conn, err := client.Dial(client.Config{Addr: cli.Addr, DialTimeout: 5 * time.Second})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if ktx.Command() != "ping" {
		if cli.Token != "" {
			err = conn.LoginWithAccessToken(cli.Token)
		} else {
			err = conn.Login(cli.Username, cli.Password)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
			os.Exit(1)
		}
	}

	if err := ktx.Run(&cliContext{client: conn}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
