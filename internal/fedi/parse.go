package fedi

import (
	"encoding/json"
	"strconv"
	"time"

	"fedipulse/internal/model"
)

// rawStatus mirrors the wire shape of a status.
type rawStatus struct {
	ID                 string          `json:"id"`
	URL                string          `json:"url"`
	Content            string          `json:"content"`
	CreatedAt          time.Time       `json:"created_at"`
	Visibility         string          `json:"visibility"`
	Sensitive          bool            `json:"sensitive"`
	Language           string          `json:"language"`
	InReplyToID        string          `json:"in_reply_to_id"`
	InReplyToAccountID string          `json:"in_reply_to_account_id"`
	RepliesCount       int             `json:"replies_count"`
	ReblogsCount       int             `json:"reblogs_count"`
	FavouritesCount    int             `json:"favourites_count"`
	Reblog             json.RawMessage `json:"reblog"`
	Poll               json.RawMessage `json:"poll"`
	Card               json.RawMessage `json:"card"`
	Account            struct {
		ID          string `json:"id"`
		Username    string `json:"username"`
		Acct        string `json:"acct"`
		DisplayName string `json:"display_name"`
		Note        string `json:"note"`
		Avatar      string `json:"avatar"`
	} `json:"account"`
	MediaAttachments []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"media_attachments"`
	Mentions []struct {
		ID   string `json:"id"`
		Acct string `json:"acct"`
	} `json:"mentions"`
	Tags []struct {
		Name string `json:"name"`
	} `json:"tags"`
	Emojis []struct {
		Shortcode string `json:"shortcode"`
	} `json:"emojis"`
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// parsePosts decodes a status array. Malformed items and boosts are
// skipped; a batch only fails when the envelope itself cannot be decoded.
func parsePosts(body []byte) ([]model.Post, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, &FetchError{Kind: KindDecode, Err: err}
	}
	out := make([]model.Post, 0, len(items))
	for _, item := range items {
		var raw rawStatus
		if err := json.Unmarshal(item, &raw); err != nil {
			continue
		}
		if raw.ID == "" || raw.Account.ID == "" {
			continue
		}
		// Original content only.
		if !isNull(raw.Reblog) {
			continue
		}
		out = append(out, toPost(raw))
	}
	return out, nil
}

func toPost(raw rawStatus) model.Post {
	p := model.Post{
		ID:              raw.ID,
		URL:             raw.URL,
		Content:         raw.Content,
		CreatedAt:       raw.CreatedAt,
		AuthorID:        raw.Account.ID,
		AuthorAcct:      raw.Account.Acct,
		AuthorDisplay:   raw.Account.DisplayName,
		AuthorAvatar:    raw.Account.Avatar,
		AuthorBio:       raw.Account.Note,
		FavouritesCount: raw.FavouritesCount,
		ReblogsCount:    raw.ReblogsCount,
		RepliesCount:    raw.RepliesCount,
		Language:        raw.Language,
		Visibility:      raw.Visibility,
		Sensitive:       raw.Sensitive,
		InReplyToID:     raw.InReplyToID,
		InReplyToAcctID: raw.InReplyToAccountID,
		HasPoll:         !isNull(raw.Poll),
		HasCard:         !isNull(raw.Card),
	}
	for _, t := range raw.Tags {
		p.Hashtags = append(p.Hashtags, t.Name)
	}
	for _, m := range raw.MediaAttachments {
		p.MediaAttachments = append(p.MediaAttachments, model.MediaAttachment{Type: m.Type, URL: m.URL})
	}
	for _, m := range raw.Mentions {
		p.Mentions = append(p.Mentions, model.Mention{ID: m.ID, Acct: m.Acct})
	}
	for _, e := range raw.Emojis {
		p.Emojis = append(p.Emojis, e.Shortcode)
	}
	return p
}

func parseProfile(body []byte) (*model.Profile, error) {
	var raw struct {
		ID             string `json:"id"`
		Username       string `json:"username"`
		Acct           string `json:"acct"`
		DisplayName    string `json:"display_name"`
		Note           string `json:"note"`
		Avatar         string `json:"avatar"`
		Bot            bool   `json:"bot"`
		FollowersCount int    `json:"followers_count"`
		FollowingCount int    `json:"following_count"`
		StatusesCount  int    `json:"statuses_count"`
		Fields         []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &FetchError{Kind: KindDecode, Err: err}
	}
	p := &model.Profile{
		ID:             raw.ID,
		Acct:           raw.Acct,
		Username:       raw.Username,
		DisplayName:    raw.DisplayName,
		Note:           raw.Note,
		Avatar:         raw.Avatar,
		Bot:            raw.Bot,
		FollowersCount: raw.FollowersCount,
		FollowingCount: raw.FollowingCount,
		StatusesCount:  raw.StatusesCount,
	}
	for _, f := range raw.Fields {
		p.Fields = append(p.Fields, model.ProfileField{Name: f.Name, Value: f.Value})
	}
	return p, nil
}

func parseTags(body []byte) ([]model.Tag, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, &FetchError{Kind: KindDecode, Err: err}
	}
	out := make([]model.Tag, 0, len(items))
	for _, item := range items {
		var raw struct {
			Name    string `json:"name"`
			URL     string `json:"url"`
			History []struct {
				Uses string `json:"uses"`
			} `json:"history"`
		}
		if err := json.Unmarshal(item, &raw); err != nil {
			continue
		}
		if raw.Name == "" {
			continue
		}
		uses := 0
		for _, h := range raw.History {
			if n, err := strconv.Atoi(h.Uses); err == nil {
				uses += n
			}
		}
		out = append(out, model.Tag{Name: raw.Name, URL: raw.URL, Uses: uses})
	}
	return out, nil
}
