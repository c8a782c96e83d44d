package webui

// indexHTML is the single-page frontend: pick or edit a source file, compile
// it, start a run, and watch statuses and logs stream in.
const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>conduct</title>
<style>
body { font-family: sans-serif; margin: 2em; max-width: 70em; }
textarea { width: 100%; height: 18em; font-family: monospace; }
pre { background: #f4f4f4; padding: 1em; overflow: auto; max-height: 24em; }
.status-queued { color: #888; }
.status-running { color: #b58900; }
.status-succeeded { color: #2aa198; }
.status-failed { color: #dc322f; }
button { margin-right: 0.5em; }
</style>
</head>
<body>
<h1>conduct</h1>

<form method="post" action="/upload" enctype="multipart/form-data">
  <input type="file" name="file" accept=".flow,.txt">
  <button type="submit">Upload</button>
</form>

<p>
  <select id="files"></select>
  <button onclick="loadFile()">Load</button>
  <button onclick="saveFile()">Save</button>
  <button onclick="emit()">Compile</button>
  <button onclick="start()">Run</button>
  <button onclick="stop()">Stop</button>
</p>

<textarea id="source" spellcheck="false"></textarea>

<h2>Steps</h2>
<ul id="steps"></ul>

<h2>Log</h2>
<pre id="log"></pre>

<script>
let bytecodeName = null;
let runId = null;
let statusSource = null;
let logSource = null;

async function refreshFiles() {
  const names = await (await fetch('/files')).json();
  const sel = document.getElementById('files');
  sel.innerHTML = '';
  for (const n of names) {
    const opt = document.createElement('option');
    opt.value = opt.textContent = n;
    sel.appendChild(opt);
  }
}

function selectedFile() { return document.getElementById('files').value; }

async function loadFile() {
  const name = selectedFile();
  if (!name) return;
  document.getElementById('source').value = await (await fetch('/raw/' + name)).text();
}

async function saveFile() {
  const name = selectedFile();
  if (!name) return;
  await fetch('/save/' + name, {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({content: document.getElementById('source').value}),
  });
}

async function emit() {
  const name = selectedFile();
  if (!name) return;
  const resp = await fetch('/emit/' + name, {method: 'POST'});
  if (!resp.ok) { alert(await resp.text()); return; }
  bytecodeName = (await resp.json()).bytecode;
}

async function start() {
  if (!bytecodeName) { alert('compile first'); return; }
  const resp = await fetch('/start', {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({bytecode: bytecodeName}),
  });
  if (!resp.ok) { alert(await resp.text()); return; }
  runId = (await resp.json()).run_id;
  document.getElementById('steps').innerHTML = '';
  document.getElementById('log').textContent = '';
  watch();
}

async function stop() {
  if (runId) await fetch('/stop/' + runId, {method: 'POST'});
}

function watch() {
  if (statusSource) statusSource.close();
  if (logSource) logSource.close();

  statusSource = new EventSource('/stream-status/' + runId);
  statusSource.onmessage = (e) => {
    if (e.data.startsWith('[')) { statusSource.close(); return; }
    const ev = JSON.parse(e.data);
    let li = document.getElementById('step-' + ev.step);
    if (!li) {
      li = document.createElement('li');
      li.id = 'step-' + ev.step;
      document.getElementById('steps').appendChild(li);
    }
    li.textContent = ev.step + ': ' + ev.status;
    li.className = 'status-' + ev.status;
  };

  logSource = new EventSource('/stream/' + runId);
  logSource.onmessage = (e) => {
    if (e.data.startsWith('[STREAM-CLOSED')) { logSource.close(); return; }
    const pre = document.getElementById('log');
    pre.textContent += e.data + '\n';
    pre.scrollTop = pre.scrollHeight;
  };
}

refreshFiles();
</script>
</body>
</html>
`
