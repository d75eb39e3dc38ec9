package antibot

import (
	"encoding/json"
	"html/template"
	"net/http"

	"github.com/rs/zerolog/log"
)

// ChallengeOptions selects and tunes the challenge page variants.
type ChallengeOptions struct {
	Type             string
	MetaRefreshDelay int
	PreactDifficulty int
}

// WriteChallenge issues a fresh token and renders the configured
// challenge. The meta-refresh variant needs no JavaScript and sets the
// token cookie server-side; the preact variant sets it from script
// after a countdown; anything else degrades to a bare token JSON for
// clients that drive the challenge themselves.
func (v *Validator) WriteChallenge(w http.ResponseWriter, r *http.Request, opts ChallengeOptions) {
	token, _ := v.IssueToken()

	switch opts.Type {
	case "metarefresh":
		http.SetCookie(w, &http.Cookie{
			Name:     ChallengeCookie,
			Value:    token,
			Path:     "/",
			MaxAge:   int(TokenTTL.Seconds()),
			SameSite: http.SameSiteLaxMode,
		})
		delay := opts.MetaRefreshDelay
		if delay < 1 {
			delay = 1
		}
		render(w, metaRefreshPage, map[string]any{"Delay": delay, "Path": r.URL.Path})
	case "preact":
		difficulty := opts.PreactDifficulty
		if difficulty < 1 {
			difficulty = 1
		}
		render(w, preactPage, map[string]any{
			"Token": token, "Delay": difficulty, "Path": r.URL.Path,
			"MaxAge": int(TokenTTL.Seconds()),
		})
	default:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	}
}

func render(w http.ResponseWriter, tpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tpl.Execute(w, data); err != nil {
		log.Error().Err(err).Msg("challenge render failed")
	}
}

var metaRefreshPage = template.Must(template.New("metarefresh").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <meta http-equiv="refresh" content="{{.Delay}}; url={{.Path}}">
  <title>Please wait...</title>
  <style>
    body { font-family: Arial, sans-serif; display: flex; align-items: center; justify-content: center; height: 100vh; background: #f5f5f5; margin: 0; }
    .container { text-align: center; background: white; padding: 40px; border-radius: 8px; box-shadow: 0 2px 8px rgba(0,0,0,0.1); }
    .spinner { border: 4px solid #f3f3f3; border-top: 4px solid #3498db; border-radius: 50%; width: 40px; height: 40px; animation: spin 1s linear infinite; margin: 20px auto; }
    @keyframes spin { 0% { transform: rotate(0deg); } 100% { transform: rotate(360deg); } }
  </style>
</head>
<body>
  <div class="container">
    <h1>Verifying your browser...</h1>
    <div class="spinner"></div>
    <p>This page will automatically refresh in {{.Delay}} seconds.</p>
  </div>
</body>
</html>
`))

var preactPage = template.Must(template.New("preact").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1.0" />
  <title>Verifying your browser...</title>
  <style>
    body { font-family: system-ui, sans-serif; background: #0f172a; color: #e2e8f0; display: flex; align-items: center; justify-content: center; height: 100vh; margin: 0; }
    .card { background: #111827; padding: 32px; border-radius: 14px; width: 360px; text-align: center; border: 1px solid #1f2937; }
    .spinner { width: 56px; height: 56px; border-radius: 50%; border: 6px solid rgba(148,163,184,0.35); border-top-color: #818cf8; margin: 0 auto 16px auto; animation: spin 1s linear infinite; }
    @keyframes spin { 0% { transform: rotate(0deg);} 100% { transform: rotate(360deg);} }
  </style>
  <script src="https://unpkg.com/preact@10.19.3/dist/preact.min.js" crossorigin></script>
  <script src="https://unpkg.com/preact@10.19.3/hooks/dist/hooks.umd.js" crossorigin></script>
</head>
<body>
  <div id="app"></div>
  <script>
    (function() {
      const token = {{.Token}};
      const delay = {{.Delay}};
      const redirectPath = {{.Path}};
      const maxAge = {{.MaxAge}};
      const { h, render } = preact;
      const { useEffect, useState } = preactHooks;

      function Challenge() {
        const [seconds, setSeconds] = useState(delay);

        useEffect(() => {
          const countdown = setInterval(() => setSeconds((s) => Math.max(0, s - 1)), 1000);
          const timer = setTimeout(() => {
            document.cookie = "X-Form-Token-Challenge=" + token + ";path=/;max-age=" + maxAge + ";SameSite=Lax";
            window.location.replace(redirectPath);
          }, delay * 1000);
          return () => { clearInterval(countdown); clearTimeout(timer); };
        }, []);

        return h('div', { class: 'card' }, [
          h('div', { class: 'spinner' }),
          h('h1', null, 'Verifying your browser'),
          h('p', null, 'Continuing in ' + seconds + 's...')
        ]);
      }

      render(h(Challenge, {}), document.getElementById('app'));
    })();
  </script>
</body>
</html>
`))
