package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"thumbsmith/internal/mediagroup"
	"thumbsmith/internal/pipeline"
	"thumbsmith/internal/session"
	"thumbsmith/internal/telegram"
)

// Bot is the slice of the Telegram client the handler needs.
type Bot interface {
	SendText(chatID int64, text string) error
	SendTyping(chatID int64)
	SendUploadingPhoto(chatID int64)
	SendPhotoFile(chatID int64, path string, caption string) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, string, error)
}

// Runner executes one preview job. Satisfied by *pipeline.Runner.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) (pipeline.Result, error)
}

type Options struct {
	Bot     Bot
	Runner  Runner
	Drafts  *session.Store
	Logger  *slog.Logger
	WorkDir string
	OutDir  string
}

type Handler struct {
	bot        Bot
	runner     Runner
	drafts     *session.Store
	logger     *slog.Logger
	aggregator *mediagroup.Aggregator
	workDir    string
	outDir     string
}

func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	outDir := opts.OutDir
	if outDir == "" {
		outDir = "out"
	}

	return &Handler{
		bot:     opts.Bot,
		runner:  opts.Runner,
		drafts:  opts.Drafts,
		logger:  logger,
		workDir: workDir,
		outDir:  outDir,
	}
}

func (h *Handler) SetMediaGroupAggregator(ag *mediagroup.Aggregator) {
	h.aggregator = ag
}

func (h *Handler) HandleUpdate(ctx context.Context, update telegram.Update) error {
	if update.Message == nil {
		return nil
	}

	msg := update.Message
	chatID := msg.Chat.ID
	username := ""
	if msg.From != nil {
		username = msg.From.UserName
	}

	if msg.IsCommand() {
		return h.handleCommand(chatID, username, msg)
	}

	if len(msg.Photo) > 0 {
		return h.handlePhoto(ctx, chatID, username, msg)
	}

	if msg.Text != "" {
		return h.handleText(ctx, chatID, username, msg.Text)
	}

	return nil
}

// HandleMediaGroup consumes a photo album. The first photo is taken as the
// presenter, the second as the product; the album caption becomes the topic.
func (h *Handler) HandleMediaGroup(ctx context.Context, group mediagroup.Group) {
	if len(group.FileIDs) < 2 {
		if len(group.FileIDs) == 1 {
			msg := &tgbotapi.Message{
				Chat:    &tgbotapi.Chat{ID: group.ChatID},
				Caption: group.Caption,
				Photo:   []tgbotapi.PhotoSize{{FileID: group.FileIDs[0]}},
			}
			if err := h.handlePhoto(ctx, group.ChatID, group.Username, msg); err != nil {
				h.logger.Error("album photo failed", "err", err)
			}
		}
		return
	}

	paths := make([]string, 2)
	eg, egCtx := errgroup.WithContext(ctx)
	for i, fileID := range group.FileIDs[:2] {
		eg.Go(func() error {
			path, err := h.saveIncoming(egCtx, fileID)
			if err != nil {
				return err
			}
			paths[i] = path
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		h.logger.Error("album download failed", "err", err)
		_ = h.bot.SendText(group.ChatID, "❌ Couldn't download the photos, please send them again.")
		return
	}

	h.drafts.SetSubject(group.ChatID, group.Username, paths[0])
	draft := h.drafts.SetObject(group.ChatID, group.Username, paths[1])
	if caption := strings.TrimSpace(group.Caption); caption != "" {
		draft = h.drafts.SetTopic(group.ChatID, group.Username, caption)
	}

	_ = h.bot.SendText(group.ChatID, "✅ Got the presenter and product photos.")
	h.advance(ctx, group.ChatID, draft)
}

func (h *Handler) handleCommand(chatID int64, username string, msg *tgbotapi.Message) error {
	switch msg.Command() {
	case "start":
		return h.bot.SendText(chatID,
			"🖼 Preview Maker\n\n"+
				"I build episode preview images: your presenter, restyled for the "+
				"topic, with a product shot placed on top.\n\n"+
				"Send me:\n"+
				"1. A photo of the presenter\n"+
				"2. A photo of the product\n"+
				"3. The episode topic as text\n\n"+
				"An album with both photos and the topic as caption works too.\n\n"+
				"Commands:\n"+
				"/status - What I still need\n"+
				"/reset - Start over\n"+
				"/help - Help",
		)
	case "help":
		return h.bot.SendText(chatID,
			"🖼 Help\n\n"+
				"First photo = presenter, second photo = product.\n"+
				"Any text = episode topic.\n"+
				"Once I have all three I generate the preview.\n\n"+
				"/status - What I still need\n"+
				"/reset - Drop everything and start over",
		)
	case "reset":
		if d, ok := h.drafts.Take(chatID); ok {
			removeInputs(d)
		}
		return h.bot.SendText(chatID, "✅ Cleared. Send the presenter photo to start again.")
	case "status":
		d, ok := h.drafts.Current(chatID)
		if !ok || len(d.Missing()) == 3 {
			return h.bot.SendText(chatID, "Nothing yet. Send the presenter photo to start.")
		}
		if missing := d.Missing(); len(missing) > 0 {
			return h.bot.SendText(chatID, "Still needed: "+strings.Join(missing, ", ")+".")
		}
		return h.bot.SendText(chatID, "Everything is here, generating...")
	default:
		return h.bot.SendText(chatID, "❌ Unknown command. Try /help.")
	}
}

func (h *Handler) handleText(ctx context.Context, chatID int64, username string, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	draft := h.drafts.SetTopic(chatID, username, text)
	if err := h.bot.SendText(chatID, fmt.Sprintf("✅ Topic: %q", text)); err != nil {
		return err
	}
	h.advance(ctx, chatID, draft)
	return nil
}

func (h *Handler) handlePhoto(ctx context.Context, chatID int64, username string, msg *tgbotapi.Message) error {
	photo := msg.Photo[len(msg.Photo)-1]

	if msg.MediaGroupID != "" && h.aggregator != nil {
		h.aggregator.Add(mediagroup.Item{
			ChatID:       chatID,
			Username:     username,
			MediaGroupID: msg.MediaGroupID,
			Caption:      msg.Caption,
			FileID:       photo.FileID,
		})
		return nil
	}

	h.bot.SendTyping(chatID)

	path, err := h.saveIncoming(ctx, photo.FileID)
	if err != nil {
		h.logger.Error("photo download failed", "err", err)
		return h.bot.SendText(chatID, "❌ Couldn't download the photo, please send it again.")
	}

	current, _ := h.drafts.Current(chatID)

	var draft session.Draft
	var ack string
	switch {
	case current.SubjectPath == "":
		draft = h.drafts.SetSubject(chatID, username, path)
		ack = "✅ Presenter photo saved."
	case current.ObjectPath == "":
		draft = h.drafts.SetObject(chatID, username, path)
		ack = "✅ Product photo saved."
	default:
		// Both slots are taken: treat the new photo as a product retake.
		os.Remove(current.ObjectPath)
		draft = h.drafts.SetObject(chatID, username, path)
		ack = "✅ Replaced the product photo."
	}

	if caption := strings.TrimSpace(msg.Caption); caption != "" {
		draft = h.drafts.SetTopic(chatID, username, caption)
	}

	if err := h.bot.SendText(chatID, ack); err != nil {
		return err
	}
	h.advance(ctx, chatID, draft)
	return nil
}

// advance either launches the job or tells the user what is still missing.
func (h *Handler) advance(ctx context.Context, chatID int64, draft session.Draft) {
	if !draft.Ready() {
		_ = h.bot.SendText(chatID, "Still needed: "+strings.Join(draft.Missing(), ", ")+".")
		return
	}

	d, ok := h.drafts.Take(chatID)
	if !ok {
		return
	}
	h.runJob(ctx, chatID, d)
}

func (h *Handler) runJob(ctx context.Context, chatID int64, d session.Draft) {
	defer removeInputs(d)

	_ = h.bot.SendText(chatID, "🎨 Generating the preview, this can take a few minutes...")
	h.bot.SendUploadingPhoto(chatID)

	res, err := h.runner.Run(ctx, pipeline.Job{
		SubjectPath: d.SubjectPath,
		ObjectPath:  d.ObjectPath,
		Context:     d.Topic,
		OutDir:      h.outDir,
	})
	if err != nil {
		h.logger.Error("job failed", "chat", chatID, "err", err)
		_ = h.bot.SendText(chatID, "❌ Preview generation failed. Please try again.")
		return
	}

	h.logger.Info("job done", "chat", chatID, "method", res.Method, "path", res.LocalPath)

	caption := fmt.Sprintf("✅ Preview for %q", d.Topic)
	if err := h.bot.SendPhotoFile(chatID, res.LocalPath, caption); err != nil {
		h.logger.Error("send preview failed", "chat", chatID, "err", err)
		_ = h.bot.SendText(chatID, "❌ Couldn't send the preview back. It is saved as "+res.LocalPath)
	}
}

// saveIncoming downloads a Telegram file into the handler's working
// directory and returns the local path.
func (h *Handler) saveIncoming(ctx context.Context, fileID string) (string, error) {
	data, mimeType, err := h.bot.DownloadFile(ctx, fileID)
	if err != nil {
		return "", err
	}

	ext := ".jpg"
	if mimeType == "image/png" {
		ext = ".png"
	}
	f, err := os.CreateTemp(h.workDir, "tg-*"+ext)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func removeInputs(d session.Draft) {
	for _, p := range []string{d.SubjectPath, d.ObjectPath} {
		if p != "" && filepath.IsAbs(p) {
			os.Remove(p)
		}
	}
}
