package session

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/authgate/internal/idp"
	"github.com/hitoshi/authgate/internal/model"
)

// RefreshThresholdSeconds はアクセストークンの実際の失効より何秒前に
// リフレッシュを開始するかを定める。クロックスキューと処理中のリクエストの
// レイテンシを許容するため、10分前からリフレッシュ対象とする。
const RefreshThresholdSeconds = 600

// defaultLoginURL は未認証リダイレクトのデフォルト先。
const defaultLoginURL = "/login"

// redirectToParam はログイン後に元のURLへ戻すためのクエリパラメータ名。
const redirectToParam = "redirectTo"

// AuthProvider はライフサイクル管理が必要とするプロバイダー操作のインターフェース。
// idp.Clientの部分集合として定義する。
type AuthProvider interface {
	VerifyAccessToken(ctx context.Context, accessToken string) (*idp.Account, error)
	RefreshSession(ctx context.Context, refreshToken string) (*model.AuthSession, error)
}

// MetricsRecorder はリフレッシュ結果のメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordRefresh(result string)
}

// SetSession は「変更しない / クリアする / 置き換える」の3値を表す。
// bareなポインタでは「フィールド省略」と「明示的なnull」を区別できないため、
// 明示的なラッパー型として定義する。この区別はコミットの意味論を支えている。
type SetSession struct {
	clear   bool
	session *model.AuthSession
}

// ClearSession は保存されているセッションの明示的な破棄を表す。
func ClearSession() *SetSession {
	return &SetSession{clear: true}
}

// ReplaceSession はセッションの置き換えを表す。
func ReplaceSession(s *model.AuthSession) *SetSession {
	return &SetSession{session: s}
}

// Update はCommitAuthSessionへの変更要求。
// Sessionがnilの場合、既存のセッションはそのまま維持される。
// FlashErrorは次の1回の読み取りで消費されるエラーコード。
type Update struct {
	Session    *SetSession
	FlashError string
}

// Redirect はリクエストを中断するリダイレクトを表す。
// CookieはLocationへのリダイレクトと同時に確定すべきSet-Cookie。
type Redirect struct {
	Location string
	Status   int
	Cookie   *http.Cookie
}

// Write はリダイレクトをレスポンスに書き込む。
func (rd *Redirect) Write(w http.ResponseWriter, r *http.Request) {
	if rd.Cookie != nil {
		http.SetCookie(w, rd.Cookie)
	}
	http.Redirect(w, r, rd.Location, rd.Status)
}

// Outcome はRequireAuthSessionの結果を表すタグ付き値。
// Redirectが非nilの場合はリクエストを中断してリダイレクトする（abort）。
// それ以外の場合はSessionが検証済みセッションを持つ（continue）。
// Cookieは変更系リクエスト中にセッションがリフレッシュされた場合のみ非nilになり、
// 呼び出し元が最終レスポンスに含める責務を負う。
type Outcome struct {
	Session  *model.AuthSession
	Cookie   *http.Cookie
	Redirect *Redirect
}

// Aborted はリクエストを中断すべきかを返す。
func (o *Outcome) Aborted() bool {
	return o.Redirect != nil
}

// Options はRequireAuthSessionの動作オプション。
type Options struct {
	// OnFailRedirectTo は失敗時のリダイレクト先。省略時は/login。
	OnFailRedirectTo string
	// Verify はアクセストークンをプロバイダーに問い合わせて検証するかどうか。
	// デフォルトはfalseで、毎リクエストのネットワークラウンドトリップを避けるため
	// Cookieの内容を楽観的に信頼する。
	Verify bool
}

// ManagerConfig はManagerの設定。
type ManagerConfig struct {
	// LoginURL は省略時に/loginが使われる。
	LoginURL string
	// Metrics は省略可能なメトリクス記録先。
	Metrics MetricsRecorder
}

// Manager はセッションのライフサイクルを管理する。
// リクエストからのセッション読み取り、検証・リフレッシュ、レスポンスへの
// 書き戻し、回復不能な失敗時の再認証の強制を担う。
type Manager struct {
	codec    *Codec
	provider AuthProvider
	loginURL string
	metrics  MetricsRecorder
	now      func() time.Time
}

// NewManager はManagerを生成する。
func NewManager(codec *Codec, provider AuthProvider, config ManagerConfig) *Manager {
	loginURL := config.LoginURL
	if loginURL == "" {
		loginURL = defaultLoginURL
	}
	return &Manager{
		codec:    codec,
		provider: provider,
		loginURL: loginURL,
		metrics:  config.Metrics,
		now:      time.Now,
	}
}

// GetAuthSession は現在のCookieからセッションを読み取る。
// 副作用なし、ネットワーク呼び出しなし、検証なし。
// 不正なCookieはnilにデコードされ、エラーは返さない。
// コーデックが完全性を保証するため、返るセッションは常に全フィールドが揃っている。
func (m *Manager) GetAuthSession(r *http.Request) *model.AuthSession {
	session, _ := m.codec.ReadRequest(r)
	return session
}

// CommitAuthSession は変更要求を適用したSet-Cookieを生成する。
// Update.Sessionがnilなら既存セッションを維持し、ClearSession()なら破棄、
// ReplaceSession(s)なら置き換える。コミットのたびにCookieの有効期間は延長される。
func (m *Manager) CommitAuthSession(r *http.Request, upd Update) (*http.Cookie, error) {
	current, _ := m.codec.ReadRequest(r)

	if upd.Session != nil {
		if upd.Session.clear {
			current = nil
		} else {
			current = upd.Session.session
		}
	}

	value, err := m.codec.Encode(current, upd.FlashError)
	if err != nil {
		return nil, err
	}

	return m.codec.NewCookie(value), nil
}

// CreateAuthSession は新しいセッションをコミットし、サニタイズ済みの
// redirectToへリダイレクトする。オープンリダイレクト対策として、
// 絶対URLや別ホストへのリダイレクトは拒否して"/"に置き換える。
func (m *Manager) CreateAuthSession(w http.ResponseWriter, r *http.Request, authSession *model.AuthSession, redirectTo string) error {
	cookie, err := m.CommitAuthSession(r, Update{Session: ReplaceSession(authSession)})
	if err != nil {
		return err
	}

	http.SetCookie(w, cookie)
	http.Redirect(w, r, safeRedirect(redirectTo), http.StatusFound)
	return nil
}

// DestroyAuthSession はCookieストア全体を破棄し、サイトルートへリダイレクトする。
func (m *Manager) DestroyAuthSession(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, m.codec.ClearCookie())
	http.Redirect(w, r, "/", http.StatusFound)
}

// PopFlashError はフラッシュエラーコードを読み取り、消費する。
// フラッシュが存在した場合はそれを取り除いたCookieをレスポンスに確定する。
// セッション本体には影響しない。
func (m *Manager) PopFlashError(w http.ResponseWriter, r *http.Request) string {
	_, flash := m.codec.ReadRequest(r)
	if flash == "" {
		return ""
	}

	cookie, err := m.CommitAuthSession(r, Update{})
	if err != nil {
		slog.Error("failed to consume flash error", slog.String("error", err.Error()))
		return flash
	}
	http.SetCookie(w, cookie)

	return flash
}

// RequireAuthSession は認証済みセッションを要求するプライマリエントリーポイント。
//
// 状態遷移:
//  1. セッションが存在しない → Cookieをクリアし、フラッシュno-user-sessionと
//     元のURLを示すredirectToクエリ付きでログインへリダイレクト（abort）。
//  2. Verify指定時はプロバイダーにアクセストークンを問い合わせる。
//     未指定時はネットワークラウンドトリップを避けるため有効とみなす。
//  3. トークンが無効、または失効が近い場合はリフレッシュを試みる。
//  4. それ以外はセッションをそのまま返す（ネットワーク呼び出しなし）。
func (m *Manager) RequireAuthSession(r *http.Request, opts Options) (*Outcome, error) {
	authSession := m.GetAuthSession(r)

	// セッションがない。コーデックはトークンの欠けたセッションをnilに落とすため、
	// ここのnilチェックが「accessTokenまたはrefreshToken欠落」の検査を兼ねる。
	if authSession == nil {
		slog.Info("no user session",
			slog.String("path", r.URL.Path),
		)
		return m.abortToLogin(r, opts.OnFailRedirectTo, model.FlashNoUserSession)
	}

	// アクセストークンの検証。デフォルトでは時間節約のため問い合わせを省略する。
	isValid := true
	if opts.Verify {
		if _, err := m.provider.VerifyAccessToken(r.Context(), authSession.AccessToken); err != nil {
			isValid = false
		}
	}

	// トークンが無効、または失効が近い場合はリフレッシュする。
	if !isValid || m.isExpiringSoon(authSession.ExpiresAt) {
		return m.refreshAuthSession(r, authSession, opts)
	}

	// 有効なセッション。
	return &Outcome{Session: authSession}, nil
}

// refreshAuthSession はリフレッシュトークンでセッションを更新する。
//
// リフレッシュ失敗は終端であり、リトライはない。Cookieをクリアして
// ログインへリダイレクトし、ユーザーに再認証を求める。
//
// 成功時の動作はリクエストの種別で非対称になる:
//   - 安全なメソッド（GET等）: 新しいセッションをCookieに確定した上で、
//     元のURLへリダイレクトする。ブラウザはリダイレクト追跡でGETを再送信
//     しないため安全であり、後続ハンドラーは新しいCookieで再実行される。
//   - 変更系メソッド: リダイレクトするとボディが失われるかループするため、
//     リフレッシュ済みセッションをそのまま返す。更新されたCookieを最終
//     レスポンスに含めるのは呼び出し元の責務となる。
//
// この非対称性は意図的なもので、逆にすると変更系リクエストの喪失か
// GETの無限リダイレクトを引き起こす。
func (m *Manager) refreshAuthSession(r *http.Request, authSession *model.AuthSession, opts Options) (*Outcome, error) {
	refreshed, err := m.provider.RefreshSession(r.Context(), authSession.RefreshToken)
	if err != nil || !refreshed.IsComplete() {
		m.recordRefresh("fail")
		slog.Warn("failed to refresh auth session",
			slog.String("user_id", authSession.UserID),
			slog.String("path", r.URL.Path),
		)
		return m.abortToLogin(r, opts.OnFailRedirectTo, model.FlashRefreshFailed)
	}

	m.recordRefresh("success")

	cookie, err := m.CommitAuthSession(r, Update{Session: ReplaceSession(refreshed)})
	if err != nil {
		return nil, err
	}

	if isSafeMethod(r.Method) {
		return &Outcome{
			Redirect: &Redirect{
				Location: currentPath(r),
				Status:   http.StatusFound,
				Cookie:   cookie,
			},
		}, nil
	}

	return &Outcome{Session: refreshed, Cookie: cookie}, nil
}

// abortToLogin はCookieをクリアし、フラッシュコードと復帰先クエリ付きで
// ログインへのリダイレクトを生成する。
func (m *Manager) abortToLogin(r *http.Request, onFailRedirectTo, flash string) (*Outcome, error) {
	cookie, err := m.CommitAuthSession(r, Update{Session: ClearSession(), FlashError: flash})
	if err != nil {
		return nil, err
	}

	target := onFailRedirectTo
	if target == "" {
		target = m.loginURL
	}

	return &Outcome{
		Redirect: &Redirect{
			Location: target + "?" + makeRedirectTo(r),
			Status:   http.StatusFound,
			Cookie:   cookie,
		},
	}, nil
}

// isExpiringSoon はアクセストークンの失効が閾値以内に迫っているかを返す。
func (m *Manager) isExpiringSoon(expiresAt int64) bool {
	return (expiresAt-RefreshThresholdSeconds)*1000 < m.now().UnixMilli()
}

func (m *Manager) recordRefresh(result string) {
	if m.metrics != nil {
		m.metrics.RecordRefresh(result)
	}
}

// isSafeMethod はボディを変更しない安全・冪等なメソッドかを返す。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// currentPath はリクエストされたパス（クエリ含む）を返す。
func currentPath(r *http.Request) string {
	return r.URL.RequestURI()
}

// makeRedirectTo は元のURLへ戻るためのredirectToクエリ文字列を構築する。
func makeRedirectTo(r *http.Request) string {
	v := url.Values{}
	v.Set(redirectToParam, currentPath(r))
	return v.Encode()
}

// safeRedirect はリダイレクト先をサニタイズする。
// 同一オリジンの相対パスのみを許可し、絶対URLやプロトコル相対URL
// （//host）は安全なデフォルト"/"に置き換える。
func safeRedirect(to string) string {
	if to == "" || !strings.HasPrefix(to, "/") ||
		strings.HasPrefix(to, "//") || strings.HasPrefix(to, "/\\") {
		return "/"
	}
	return to
}
