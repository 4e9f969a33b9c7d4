package config

// HeaderMatchConfig is one per-list header check. Chain is optional; when
// empty a hit only records the rule and defers to the rest of the chain.
type HeaderMatchConfig struct {
	Header  string `toml:"header"`
	Pattern string `toml:"pattern"`
	Chain   string `toml:"chain"`
}

// ListConfig declares one mailing list. Lists are defined statically in the
// configuration file as [[lists]] tables; membership lives in the database.
type ListConfig struct {
	Name        string `toml:"name"`
	MailHost    string `toml:"mail_host"`
	DisplayName string `toml:"display_name"`
	Description string `toml:"description"`

	SubjectPrefix     *string `toml:"subject_prefix"`
	Emergency         bool    `toml:"emergency"`
	ModeratorPassword string  `toml:"moderator_password"` // bcrypt hash

	AdminImmedNotify      *bool `toml:"admin_immed_notify"`
	SendWelcomeMessage    *bool `toml:"send_welcome_message"`
	SendGoodbyeMessage    *bool `toml:"send_goodbye_message"`
	RespondToPostRequests *bool `toml:"respond_to_post_requests"`

	SubscriptionPolicy   string `toml:"subscription_policy"`   // open, confirm, moderate, confirm_then_moderate
	UnsubscriptionPolicy string `toml:"unsubscription_policy"` // same values

	DefaultMemberAction    string   `toml:"default_member_action"`    // accept, hold, reject, discard, defer
	DefaultNonmemberAction string   `toml:"default_nonmember_action"` // same values
	AcceptTheseNonmembers  []string `toml:"accept_these_nonmembers"`
	HoldTheseNonmembers    []string `toml:"hold_these_nonmembers"`
	RejectTheseNonmembers  []string `toml:"reject_these_nonmembers"`
	DiscardTheseNonmembers []string `toml:"discard_these_nonmembers"`

	HeaderMatches             []HeaderMatchConfig `toml:"header_matches"`
	HeaderMatchesDefaultChain string              `toml:"header_matches_default_chain"`
	BounceMatchingHeaders     []string            `toml:"bounce_matching_headers"`

	MaxMessageSize             int      `toml:"max_message_size"` // KB, 0 disables
	MaxNumRecipients           int      `toml:"max_num_recipients"`
	Administrivia              *bool    `toml:"administrivia"`
	RequireExplicitDestination *bool    `toml:"require_explicit_destination"`
	AcceptableAliases          []string `toml:"acceptable_aliases"`

	GatewayToNews   bool   `toml:"gateway_to_news"`
	LinkedNewsgroup string `toml:"linked_newsgroup"`
	NewsModeration  string `toml:"news_moderation"` // none, open_moderated, moderated

	Archive             *bool `toml:"archive"`
	DigestsEnabled      bool  `toml:"digests_enabled"`
	DigestSizeThreshold int   `toml:"digest_size_threshold"` // KB
	DigestSendPeriodic  bool  `toml:"digest_send_periodic"`

	FilterContent          bool     `toml:"filter_content"`
	FilterTypes            []string `toml:"filter_types"`
	PassTypes              []string `toml:"pass_types"`
	FilterExtensions       []string `toml:"filter_extensions"`
	PassExtensions         []string `toml:"pass_extensions"`
	FilterAction           string   `toml:"filter_action"` // discard, reject, preserve
	CollapseAlternatives   *bool    `toml:"collapse_alternatives"`
	ConvertHTMLToPlaintext bool     `toml:"convert_html_to_plaintext"`

	ReplyGoesToList         string `toml:"reply_goes_to_list"` // no_munging, point_to_list, explicit_header
	ReplyToAddress          string `toml:"reply_to_address"`
	FirstStripReplyTo       bool   `toml:"first_strip_reply_to"`
	AnonymousList           bool   `toml:"anonymous_list"`
	IncludeRFC2369Headers   *bool  `toml:"include_rfc2369_headers"`
	AllowListPosts          *bool  `toml:"allow_list_posts"`
	ArchiveURL              string `toml:"archive_url"`
	Footer                  string `toml:"footer"`
	Personalize             string `toml:"personalize"` // none, individual, full
	VERPDeliveryInterval    int    `toml:"verp_delivery_interval"`
	ReceiveOwnPostingsByDef *bool  `toml:"receive_own_postings"`

	DMARCMitigateAction          string `toml:"dmarc_mitigate_action"` // no_mitigation, munge_from, wrap_message, reject, discard
	DMARCMitigateUnconditionally bool   `toml:"dmarc_mitigate_unconditionally"`
	DMARCModerationNotice        string `toml:"dmarc_moderation_notice"`
	DMARCWrappedMessageText      string `toml:"dmarc_wrapped_message_text"`

	PostingChain    string `toml:"posting_chain"`
	OwnerChain      string `toml:"owner_chain"`
	PostingPipeline string `toml:"posting_pipeline"`
	OwnerPipeline   string `toml:"owner_pipeline"`
}
