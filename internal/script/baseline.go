package script

import "strings"

const baselineBaseURLToken = "{{BASE_URL}}"

// baselineTemplate is the hand-written fallback run whenever no generated
// script survives. It only ever talks to the sandbox target.
const baselineTemplate = `import http from 'k6/http';
import { check, group, sleep } from 'k6';

export const options = {
  stages: [
    { duration: '10s', target: 10 },  // ramp-up
    { duration: '20s', target: 10 },  // hold
    { duration: '5s',  target: 0  },  // ramp-down
  ],
  thresholds: {
    'http_req_duration': ['p(95)<500'],
    'http_req_failed':   ['rate<0.01'],
  },
};

const BASE_URL = '{{BASE_URL}}';
const TOKEN    = __ENV.API_TOKEN || 'test-token';

const PARAMS = {
  headers: {
    'Authorization': ` + "`Bearer ${TOKEN}`" + `,
    'Content-Type':  'application/json',
  },
};

export default function () {
  group('Health check', () => {
    const res = http.get(` + "`${BASE_URL}/`" + `, PARAMS);
    check(res, {
      'status is 2xx': (r) => r.status >= 200 && r.status < 300,
      'response time < 500ms': (r) => r.timings.duration < 500,
    });
  });

  group('Health endpoint', () => {
    const res = http.get(` + "`${BASE_URL}/health`" + `, PARAMS);
    check(res, {
      'status is 2xx': (r) => r.status >= 200 && r.status < 300,
      'response time < 500ms': (r) => r.timings.duration < 500,
    });
  });

  sleep(1);
}
`

func renderBaseline(baseURL string) string {
	return strings.ReplaceAll(baselineTemplate, baselineBaseURLToken, baseURL)
}
