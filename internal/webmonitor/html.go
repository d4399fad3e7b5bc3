package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html lang="pt-BR">
<head>
    <meta charset="utf-8">
    <title>Monitor de EPI</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        :root { --ok:#16a34a; --bad:#dc2626; --muted:#6b7280; --bg:#0f172a; --panel:#1e293b; --fg:#e2e8f0; }
        * { box-sizing:border-box; }
        body { margin:0; font-family:system-ui,sans-serif; background:var(--bg); color:var(--fg); }
        .app { max-width:1280px; margin:0 auto; padding:16px; }
        .header { display:flex; justify-content:space-between; align-items:center; margin-bottom:16px; }
        .title { font-size:22px; font-weight:600; }
        .badge { padding:4px 10px; border-radius:999px; font-size:13px; background:#334155; }
        .badge.ok { background:var(--ok); } .badge.bad { background:var(--bad); }
        .grid { display:grid; grid-template-columns:2fr 1fr; gap:16px; }
        .panel { background:var(--panel); border-radius:8px; padding:14px; }
        h2 { margin:0 0 10px; font-size:16px; }
        img#stream { width:100%; height:auto; display:block; background:#000; border-radius:4px; }
        .controls { display:flex; flex-wrap:wrap; gap:8px; margin-top:10px; }
        button { border:0; border-radius:6px; padding:8px 12px; background:#334155; color:var(--fg); cursor:pointer; }
        button.primary { background:#2563eb; } button:disabled { opacity:.5; cursor:not-allowed; }
        .epi-list label { display:block; padding:3px 0; }
        .result-ok { color:var(--ok); } .result-bad { color:var(--bad); }
        .muted { color:var(--muted); font-size:13px; }
        ul.history { list-style:none; padding:0; margin:0; max-height:320px; overflow:auto; }
        ul.history li { padding:6px 0; border-bottom:1px solid #334155; font-size:13px; }
        .stats { display:grid; grid-template-columns:repeat(2,1fr); gap:6px; font-size:14px; }
        #fallback { display:none; margin-top:10px; padding:10px; background:#7c2d12; border-radius:6px; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <div class="title">Monitor de EPI</div>
            <span class="badge" id="status-badge">Aguardando...</span>
        </div>

        <div class="grid">
            <div class="panel">
                <h2>Câmera</h2>
                <img id="stream" src="/stream" alt="Imagem ao vivo">
                <div class="controls">
                    <button id="btn-camera-start">Ligar câmera</button>
                    <button id="btn-camera-stop">Desligar câmera</button>
                    <button id="btn-capture" class="primary">Capturar e analisar</button>
                    <button id="btn-mock">Modo de teste</button>
                    <button id="btn-auto">Detecção automática</button>
                    <label class="muted"><input type="checkbox" id="sound" checked> som</label>
                </div>
                <p class="muted" id="status-text">Câmera desligada.</p>
                <div id="fallback">
                    <span id="fallback-text"></span>
                    <button id="btn-fallback">Usar dados simulados</button>
                </div>
                <div id="result"></div>
            </div>

            <div>
                <div class="panel">
                    <h2>EPIs obrigatórios</h2>
                    <div class="epi-list" id="epi-list"></div>
                    <div class="controls"><button id="btn-save">Salvar</button></div>
                    <p class="muted" id="config-msg"></p>
                </div>
                <div class="panel" style="margin-top:16px;">
                    <h2>Estatísticas <a class="muted" href="/api/stats/chart" target="_blank">gráfico</a></h2>
                    <div class="stats" id="stats"></div>
                </div>
                <div class="panel" style="margin-top:16px;">
                    <h2>Histórico <button id="btn-clear" style="float:right;font-size:12px;">Limpar</button></h2>
                    <ul class="history" id="history"></ul>
                </div>
            </div>
        </div>
    </div>

    <script type="module">
        const $ = (id) => document.getElementById(id);
        let autoOn = false;

        async function api(method, path, body) {
            const opts = { method, headers: {} };
            if (body !== undefined) {
                opts.headers['Content-Type'] = 'application/json';
                opts.body = JSON.stringify(body);
            }
            const res = await fetch(path, opts);
            const data = await res.json().catch(() => ({}));
            return { ok: res.ok, status: res.status, data };
        }

        function beep(ok) {
            if (!$('sound').checked) return;
            const ctx = new AudioContext();
            const osc = ctx.createOscillator();
            osc.frequency.value = ok ? 880 : 220;
            osc.connect(ctx.destination);
            osc.start();
            osc.stop(ctx.currentTime + (ok ? 0.15 : 0.5));
        }

        function renderResult(ev) {
            const el = $('result');
            if (ev.type === 'error') {
                el.innerHTML = '<p class="result-bad">' + ev.status + '</p>';
                if (ev.error && ev.error.fallback === 'mock') {
                    $('fallback-text').textContent = ev.status;
                    $('fallback').style.display = 'block';
                }
                return;
            }
            $('fallback').style.display = 'none';
            const r = ev.result;
            const cls = r.compliant ? 'result-ok' : 'result-bad';
            const rows = (ev.summary || []).map(s =>
                '<li>' + s.label + ' × ' + s.count + ' (' + Math.round(s.maxConfidence * 100) + '%)' +
                (s.required ? ' <b>obrigatório</b>' : '') + '</li>').join('');
            el.innerHTML = '<p class="' + cls + '">' + ev.status + '</p>' +
                (ev.simulated ? '<p class="muted">dados simulados</p>' : '') +
                '<ul>' + rows + '</ul>';
            beep(r.compliant && r.totalDetections > 0);
        }

        function renderStatus(st) {
            $('status-text').textContent = st.status_text;
            const badge = $('status-badge');
            badge.textContent = st.camera.active ? (st.busy ? 'Analisando...' : 'Câmera ativa') : 'Câmera desligada';
            badge.className = 'badge';
            const last = st.last_evaluation;
            if (last && last.result) badge.classList.add(last.result.compliant ? 'ok' : 'bad');
            $('btn-capture').disabled = st.busy || !st.camera.active;
            autoOn = st.auto.enabled;
            $('btn-auto').textContent = autoOn ? 'Parar automático' : 'Detecção automática';
            const s = st.stats;
            $('stats').innerHTML =
                '<div>Total</div><div>' + s.totalEvaluations + '</div>' +
                '<div>Conformes</div><div>' + s.compliantCount + '</div>' +
                '<div>Não conformes</div><div>' + s.nonCompliantCount + '</div>' +
                '<div>Taxa</div><div>' + s.complianceRate.toFixed(1) + '%</div>';
        }

        async function loadConfig() {
            const { data } = await api('GET', '/api/config');
            const required = new Set(data.required_labels);
            $('epi-list').innerHTML = data.available.map(e =>
                '<label><input type="checkbox" value="' + e.label + '"' +
                (required.has(e.label) ? ' checked' : '') + '> ' + e.label + '</label>').join('');
        }

        async function loadHistory() {
            const { data } = await api('GET', '/api/history?limit=20');
            $('history').innerHTML = (data.history || []).map(r =>
                '<li class="' + (r.compliant ? 'result-ok' : 'result-bad') + '">' +
                new Date(r.timestamp).toLocaleTimeString('pt-BR') + ' · ' +
                (r.compliant ? 'conforme' : 'faltando: ' + r.missingLabels.join(', ')) + '</li>').join('');
        }

        async function capture(query) {
            $('btn-capture').disabled = true;
            const { data } = await api('POST', '/api/capture' + (query || ''));
            if (data.type) {
                renderResult(data);
            } else if (data.error) {
                renderResult({ type: 'error', status: data.error, error: data });
            }
            loadHistory();
        }

        $('btn-camera-start').onclick = () => api('POST', '/api/camera/start');
        $('btn-camera-stop').onclick = () => api('POST', '/api/camera/stop');
        $('btn-capture').onclick = () => capture('');
        $('btn-mock').onclick = () => capture('?mock=1');
        $('btn-fallback').onclick = () => capture('?fallback=mock');
        $('btn-auto').onclick = () => api('POST', autoOn ? '/api/auto/stop' : '/api/auto/start');
        $('btn-clear').onclick = async () => { await api('DELETE', '/api/history'); loadHistory(); };
        $('btn-save').onclick = async () => {
            const labels = [...document.querySelectorAll('#epi-list input:checked')].map(i => i.value);
            const { ok, data } = await api('PUT', '/api/config', { required_labels: labels });
            $('config-msg').textContent = ok ? 'Configuração salva.' : data.error;
        };

        const status = new EventSource('/api/status/stream');
        status.onmessage = (e) => renderStatus(JSON.parse(e.data));

        const events = new EventSource('/api/events');
        events.onmessage = (e) => {
            const ev = JSON.parse(e.data);
            if (ev.trigger === 'auto') {
                renderResult(ev);
                loadHistory();
            }
        };

        loadConfig();
        loadHistory();
    </script>
</body>
</html>
`
