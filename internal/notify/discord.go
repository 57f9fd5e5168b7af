// Package notify posts lot closures to an admin Discord channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/charity-auction/internal/auction"
	"github.com/jensholdgaard/charity-auction/internal/closing"
	"github.com/jensholdgaard/charity-auction/internal/config"
)

const (
	colorSold   = 0x2ecc71
	colorUnsold = 0x95a5a6
)

// Sender is the part of a discordgo session used to post messages.
type Sender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord announces closures to one channel.
type Discord struct {
	sender    Sender
	channelID string
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewDiscord creates a REST-only Discord session for cfg. No gateway
// connection is opened; posting a message needs none.
func NewDiscord(cfg config.DiscordConfig, logger *slog.Logger, tp trace.TracerProvider) (*Discord, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	return NewWithSender(session, cfg.ChannelID, logger, tp), nil
}

// NewWithSender creates a Discord announcer on an existing sender.
func NewWithSender(s Sender, channelID string, logger *slog.Logger, tp trace.TracerProvider) *Discord {
	return &Discord{
		sender:    s,
		channelID: channelID,
		logger:    logger,
		tracer:    tp.Tracer("github.com/jensholdgaard/charity-auction/internal/notify"),
	}
}

// LotClosed implements closing.Announcer.
func (d *Discord) LotClosed(ctx context.Context, c closing.Closure) error {
	ctx, span := d.tracer.Start(ctx, "Discord.LotClosed",
		trace.WithAttributes(
			attribute.String("item_id", c.Item.ID),
			attribute.String("outcome", string(c.Outcome)),
		),
	)
	defer span.End()

	if _, err := d.sender.ChannelMessageSendEmbed(d.channelID, Embed(c), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("posting closure of %s: %w", c.Item.Slug, err)
	}
	d.logger.DebugContext(ctx, "closure announced", slog.String("item_id", c.Item.ID))
	return nil
}

// Embed renders a closure for the admin channel.
func Embed(c closing.Closure) *discordgo.MessageEmbed {
	if c.Outcome != closing.OutcomeAwaitingPayment || c.Winner == nil {
		return &discordgo.MessageEmbed{
			Title:       "Lot closed unsold: " + c.Item.Title,
			Description: fmt.Sprintf("`%s` ended with no bids.", c.Item.Slug),
			Color:       colorUnsold,
		}
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Winning bid", Value: auction.FormatGBP(c.Winner.Amount), Inline: true},
		{Name: "Winner", Value: c.Winner.UserID, Inline: true},
	}
	if c.Winner.IsBuyNow {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Buy now", Value: "yes", Inline: true})
	}
	if c.Payment != nil {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Payment request", Value: c.Payment.ID})
	}
	return &discordgo.MessageEmbed{
		Title:       "Lot sold: " + c.Item.Title,
		Description: fmt.Sprintf("`%s` is awaiting payment.", c.Item.Slug),
		Color:       colorSold,
		Fields:      fields,
	}
}
